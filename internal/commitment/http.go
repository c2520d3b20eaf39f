package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/proto"
)

const (
	defaultFetchTimeout     = 10 * time.Second
	defaultFetchesPerMinute = 6
	defaultFetchBurst       = 2
	maxCommitmentBytes      = 64 << 10
)

// ErrThrottled reports a fetch skipped by the per-issuer rate limit while no
// earlier commitment was cached.
var ErrThrottled = errors.New("key commitment fetch throttled")

type HTTPGetterConfig struct {
	Client           *http.Client
	Timeout          time.Duration
	FetchesPerMinute float64
	Burst            int
	Logger           *slog.Logger
}

type cachedCommitment struct {
	etag       string
	commitment *proto.KeyCommitment
}

type issuerFetchState struct {
	limiter *rate.Limiter
	cached  *cachedCommitment
}

// HTTPGetter fetches commitments from the issuer's well-known endpoint. The
// last good commitment per issuer is kept for ETag revalidation and is served
// when the rate limit skips a fetch.
type HTTPGetter struct {
	client  *http.Client
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
	issuers map[trusttoken.Origin]*issuerFetchState
}

func NewHTTPGetter(cfg HTTPGetterConfig) *HTTPGetter {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	perMinute := cfg.FetchesPerMinute
	if perMinute <= 0 {
		perMinute = defaultFetchesPerMinute
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultFetchBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPGetter{
		client:  client,
		limit:   rate.Limit(perMinute / 60.0),
		burst:   burst,
		logger:  logger.With("component", "key_commitment"),
		now:     time.Now,
		issuers: make(map[trusttoken.Origin]*issuerFetchState),
	}
}

func (g *HTTPGetter) state(issuer trusttoken.Origin) *issuerFetchState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.issuers[issuer]
	if !ok {
		st = &issuerFetchState{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.issuers[issuer] = st
	}
	return st
}

func (g *HTTPGetter) cached(st *issuerFetchState) *cachedCommitment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return st.cached
}

func (g *HTTPGetter) remember(st *issuerFetchState, c *cachedCommitment) {
	g.mu.Lock()
	st.cached = c
	g.mu.Unlock()
}

// Get returns nil when the issuer publishes no usable key.
func (g *HTTPGetter) Get(ctx context.Context, issuer trusttoken.Origin) (*proto.KeyCommitment, error) {
	st := g.state(issuer)
	prev := g.cached(st)
	if !st.limiter.Allow() {
		if prev == nil {
			return nil, fmt.Errorf("%s: %w", issuer, ErrThrottled)
		}
		g.logger.Debug("key commitment fetch throttled, using cached copy", "issuer", issuer.String())
		return usable(prev.commitment, g.now()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(issuer.String(), proto.KeyCommitmentPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if prev != nil && prev.etag != "" {
		req.Header.Set("If-None-Match", prev.etag)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key commitment: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && prev != nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return usable(prev.commitment, g.now()), nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		g.logger.Warn("key commitment unavailable", "issuer", issuer.String(), "http_status", resp.StatusCode)
		return nil, nil
	}

	var doc proto.KeyCommitmentDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCommitmentBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode key commitment: %w", err)
	}
	c, err := proto.DecodeKeyCommitment(doc, g.now())
	if err != nil {
		return nil, err
	}
	g.remember(st, &cachedCommitment{etag: resp.Header.Get("ETag"), commitment: c})
	g.logger.Debug("key commitment fetched", "issuer", issuer.String(), "commitment_id", c.ID, "keys", len(c.Keys))
	return usable(c, g.now()), nil
}

func usable(c *proto.KeyCommitment, now time.Time) *proto.KeyCommitment {
	out := withoutExpired(c, now)
	if out == nil || len(out.Keys) == 0 {
		return nil
	}
	return out
}

func joinURL(base string, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "/") {
		return base + path
	}
	return base + "/" + path
}
