package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/crypto"
)

const (
	defaultRefillInterval = 30 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

// IssuerTarget is one issuer the client keeps stocked.
type IssuerTarget struct {
	Origin      trusttoken.Origin
	IssuanceURL string
}

type ClientConfig struct {
	TopLevel       trusttoken.Origin
	Store          trusttoken.TokenStore
	Getter         trusttoken.KeyCommitmentGetter
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Metrics        *trusttoken.Metrics
	Issuers        []IssuerTarget
	RefillBelow    int
	RefillInterval time.Duration
	RequestTimeout time.Duration
	// NewCryptographer builds the per-attempt cryptographer; BlindRSA when nil.
	NewCryptographer func() trusttoken.Cryptographer
}

// Client runs issuance on behalf of one top-level origin: it builds the
// request, lets the issuance helper decorate it, sends it and hands the
// response back to the helper.
type Client struct {
	topLevel         trusttoken.Origin
	store            trusttoken.TokenStore
	getter           trusttoken.KeyCommitmentGetter
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *trusttoken.Metrics
	issuers          []IssuerTarget
	refillBelow      int
	refillInterval   time.Duration
	requestTimeout   time.Duration
	newCryptographer func() trusttoken.Cryptographer
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if !cfg.TopLevel.IsPotentiallyTrustworthy() {
		return nil, fmt.Errorf("client top-level origin: %w: %s", trusttoken.ErrUnsuitableOrigin, cfg.TopLevel)
	}
	if cfg.Store == nil || cfg.Getter == nil {
		return nil, fmt.Errorf("client requires a token store and key commitment getter")
	}
	c := &Client{
		topLevel:         cfg.TopLevel,
		store:            cfg.Store,
		getter:           cfg.Getter,
		httpClient:       cfg.HTTPClient,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		issuers:          cfg.Issuers,
		refillBelow:      cfg.RefillBelow,
		refillInterval:   cfg.RefillInterval,
		requestTimeout:   cfg.RequestTimeout,
		newCryptographer: cfg.NewCryptographer,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.refillInterval <= 0 {
		c.refillInterval = defaultRefillInterval
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.newCryptographer == nil {
		c.newCryptographer = func() trusttoken.Cryptographer { return crypto.NewBlindRSA() }
	}
	return c, nil
}

// Issue runs one issuance attempt against issuanceURL and returns the number
// of tokens held for that issuer afterwards.
func (c *Client) Issue(ctx context.Context, issuanceURL string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	helper, err := trusttoken.NewIssuanceHelper(c.topLevel, c.store, c.getter, c.newCryptographer(),
		trusttoken.WithLogger(c.logger), trusttoken.WithMetrics(c.metrics))
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(issuanceURL), nil)
	if err != nil {
		return 0, fmt.Errorf("build issuance request: %w", err)
	}
	if err := helper.Begin(ctx, req); err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send issuance request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("issuer returned status %d: %w", resp.StatusCode, trusttoken.ErrBadResponse)
	}

	if err := helper.Finalize(ctx, resp); err != nil {
		return 0, err
	}
	return c.store.CountTokens(ctx, helper.Issuer())
}

// RefillOnce issues against every configured issuer holding fewer than the
// refill threshold. Failures are logged and do not stop the pass.
func (c *Client) RefillOnce(ctx context.Context) {
	for _, target := range c.issuers {
		if ctx.Err() != nil {
			return
		}
		count, err := c.store.CountTokens(ctx, target.Origin)
		if err != nil {
			c.logger.Warn("refill count failed", "issuer", target.Origin.String(), "error", err.Error())
			continue
		}
		if count >= c.refillBelow {
			continue
		}
		after, err := c.Issue(ctx, target.IssuanceURL)
		if err != nil {
			c.logger.Warn("refill issuance failed",
				"issuer", target.Origin.String(),
				"status", trusttoken.StatusOf(err).String(),
				"error", err.Error())
			continue
		}
		c.logger.Info("refill issuance complete", "issuer", target.Origin.String(), "before", count, "after", after)
	}
}

func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("refill role enabled",
		"top_level_origin", c.topLevel.String(),
		"issuers", len(c.issuers),
		"refill_below", c.refillBelow,
		"interval_sec", int(c.refillInterval/time.Second))

	c.RefillOnce(ctx)

	ticker := time.NewTicker(c.refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.RefillOnce(ctx)
		}
	}
}
