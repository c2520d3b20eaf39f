package trusttoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"trusttoken/pkg/proto"
)

type attemptState int

const (
	stateNotStarted attemptState = iota
	stateAwaitingCommitment
	stateBlinded
	stateFinalized
	stateFailed
)

func (s attemptState) String() string {
	switch s {
	case stateNotStarted:
		return "not_started"
	case stateAwaitingCommitment:
		return "awaiting_commitment"
	case stateBlinded:
		return "blinded"
	case stateFinalized:
		return "finalized"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IssuanceHelper drives a single issuance attempt: Begin before the request
// is sent, Finalize once its response arrives. A helper and its
// Cryptographer serve exactly one request and are discarded afterwards; an
// attempt abandoned between the two calls leaves nothing to clean up.
type IssuanceHelper struct {
	id            string
	topLevel      Origin
	issuer        Origin
	store         TokenStore
	getter        KeyCommitmentGetter
	cryptographer Cryptographer
	logger        *slog.Logger
	metrics       *Metrics
	state         attemptState
}

type Option func(*IssuanceHelper)

func WithLogger(logger *slog.Logger) Option {
	return func(h *IssuanceHelper) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *IssuanceHelper) {
		h.metrics = m
	}
}

func NewIssuanceHelper(topLevel Origin, store TokenStore, getter KeyCommitmentGetter, cryptographer Cryptographer, opts ...Option) (*IssuanceHelper, error) {
	if !topLevel.IsPotentiallyTrustworthy() {
		return nil, fmt.Errorf("top-level origin: %w: %s", ErrUnsuitableOrigin, topLevel)
	}
	if store == nil || getter == nil || cryptographer == nil {
		return nil, errors.New("issuance helper requires a token store, key commitment getter and cryptographer")
	}
	h := &IssuanceHelper{
		id:            uuid.NewString(),
		topLevel:      topLevel,
		store:         store,
		getter:        getter,
		cryptographer: cryptographer,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("attempt", h.id), slog.String("top_level_origin", topLevel.String()))
	return h, nil
}

func (h *IssuanceHelper) ID() string {
	return h.id
}

// Issuer is the origin derived by Begin; zero before that.
func (h *IssuanceHelper) Issuer() Origin {
	return h.issuer
}

// Begin prepares req for issuance. On success the request carries the
// blinded batch in its Sec-Trust-Token header and may be dispatched. Begin
// blocks while the issuer's key commitment is fetched; cancelling ctx
// abandons the attempt.
func (h *IssuanceHelper) Begin(ctx context.Context, req *http.Request) (err error) {
	if h.state != stateNotStarted {
		return newError("begin", StatusInternalError, fmt.Errorf("attempt is %s", h.state))
	}
	defer func() {
		if err != nil {
			h.state = stateFailed
		}
		h.metrics.observe(phaseBegin, err)
		h.logStep(ctx, phaseBegin, err)
	}()

	if req == nil || req.URL == nil {
		return newError("begin", StatusInternalError, errors.New("nil request"))
	}
	issuer := OriginOf(req.URL)
	if !issuer.IsPotentiallyTrustworthy() {
		return newError("begin", StatusInternalError, fmt.Errorf("%w: %s", ErrUnsuitableOrigin, issuer))
	}
	h.issuer = issuer
	h.logger = h.logger.With(slog.String("issuer", issuer.String()))

	associated, err := h.store.SetAssociation(ctx, issuer, h.topLevel)
	if err != nil {
		return newError("begin", StatusInternalError, fmt.Errorf("set association: %w", err))
	}
	if !associated {
		return newError("begin", StatusResourceExhausted, errors.New("top-level origin has no issuer association budget left"))
	}

	// AddTokens clamps at capacity, so count never exceeds it.
	count, err := h.store.CountTokens(ctx, issuer)
	if err != nil {
		return newError("begin", StatusInternalError, fmt.Errorf("count tokens: %w", err))
	}
	if count >= PerIssuerTokenCapacity {
		return newError("begin", StatusResourceExhausted, fmt.Errorf("issuer holds %d tokens", count))
	}
	h.state = stateAwaitingCommitment

	commitment, err := h.getter.Get(ctx, issuer)
	if err != nil {
		return newError("begin", StatusFailedPrecondition, fmt.Errorf("get key commitment: %w", err))
	}
	return h.onGotKeyCommitment(ctx, req, commitment, count)
}

func (h *IssuanceHelper) onGotKeyCommitment(ctx context.Context, req *http.Request, commitment *proto.KeyCommitment, count int) error {
	if commitment == nil || len(commitment.Keys) == 0 {
		return newError("begin", StatusFailedPrecondition, errors.New("issuer has no key commitment"))
	}
	// All keys or none: the first key that fails to load fails the attempt.
	for i, key := range commitment.Keys {
		if err := h.cryptographer.AddKey(key.Body); err != nil {
			return newError("begin", StatusFailedPrecondition, fmt.Errorf("key %d: %w", i, err))
		}
	}

	if err := h.store.PruneStaleIssuerState(ctx, h.issuer, commitment.Keys); err != nil {
		return newError("begin", StatusInternalError, fmt.Errorf("prune stale tokens: %w", err))
	}
	if count > 0 {
		remaining, err := h.store.CountTokens(ctx, h.issuer)
		if err != nil {
			return newError("begin", StatusInternalError, fmt.Errorf("count tokens: %w", err))
		}
		h.metrics.addPruned(count - remaining)
	}

	batchSize := IssuanceBatchSize(commitment)
	blob, err := h.cryptographer.BeginIssuance(batchSize)
	if err != nil {
		return newError("begin", StatusInternalError, fmt.Errorf("begin issuance of %d tokens: %w", batchSize, err))
	}

	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(proto.TrustTokenHeader, blob)
	bypassCacheRead(req)
	h.state = stateBlinded
	return nil
}

// Finalize consumes the issuer's response: the Sec-Trust-Token header is
// removed from resp, unblinded and the tokens are stored. The attempt is
// over once Finalize returns, whatever the outcome.
func (h *IssuanceHelper) Finalize(ctx context.Context, resp *http.Response) (err error) {
	defer func() {
		h.metrics.observe(phaseFinalize, err)
		h.logStep(ctx, phaseFinalize, err)
	}()

	if h.state != stateBlinded {
		return newError("finalize", StatusInternalError, fmt.Errorf("attempt is %s", h.state))
	}
	h.state = stateFinalized

	if resp == nil || resp.Header == nil {
		return newError("finalize", StatusBadResponse, errors.New("response has no headers"))
	}
	values := resp.Header.Values(proto.TrustTokenHeader)
	if len(values) == 0 {
		return newError("finalize", StatusBadResponse, errors.New("response lacks Sec-Trust-Token header"))
	}
	resp.Header.Del(proto.TrustTokenHeader)

	tokens, err := h.cryptographer.ConfirmIssuance(values[0])
	if err != nil {
		return newError("finalize", StatusBadResponse, err)
	}
	if tokens == nil {
		return newError("finalize", StatusBadResponse, errors.New("no tokens confirmed"))
	}

	if err := h.store.AddTokens(ctx, h.issuer, tokens.Tokens, tokens.BodyOfVerifyingKey); err != nil {
		return newError("finalize", StatusInternalError, fmt.Errorf("add tokens: %w", err))
	}
	h.metrics.addIssued(len(tokens.Tokens))
	return nil
}

// IssuanceBatchSize is the number of tokens to request under commitment.
func IssuanceBatchSize(commitment *proto.KeyCommitment) int {
	if commitment == nil || commitment.BatchSize <= 0 {
		return DefaultIssuanceBatchSize
	}
	if commitment.BatchSize > MaximumIssuanceBatchSize {
		return MaximumIssuanceBatchSize
	}
	return commitment.BatchSize
}

// bypassCacheRead keeps a cache from answering req with a stored response
// while still allowing the fresh response to be stored.
func bypassCacheRead(req *http.Request) {
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
}

func (h *IssuanceHelper) logStep(ctx context.Context, phase string, err error) {
	status := StatusOf(err)
	if err == nil {
		h.logger.LogAttrs(ctx, slog.LevelDebug, "trust token issuance step",
			slog.String("phase", phase), slog.String("status", status.String()))
		return
	}
	h.logger.LogAttrs(ctx, slog.LevelWarn, "trust token issuance step failed",
		slog.String("phase", phase), slog.String("status", status.String()), slog.String("error", err.Error()))
}
