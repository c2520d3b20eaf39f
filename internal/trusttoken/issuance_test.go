package trusttoken

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"trusttoken/pkg/crypto"
	"trusttoken/pkg/proto"
)

type spyCryptographer struct {
	keys        [][]byte
	badKey      []byte
	beginBlob   string
	beginErr    error
	beginSizes  []int
	confirmArgs []string
	confirmOut  *crypto.UnblindedTokens
	confirmErr  error
	invocations int
}

func (c *spyCryptographer) AddKey(body []byte) error {
	c.invocations++
	if c.badKey != nil && bytes.Equal(body, c.badKey) {
		return errors.New("malformed key")
	}
	c.keys = append(c.keys, body)
	return nil
}

func (c *spyCryptographer) BeginIssuance(n int) (string, error) {
	c.invocations++
	c.beginSizes = append(c.beginSizes, n)
	if c.beginErr != nil {
		return "", c.beginErr
	}
	return c.beginBlob, nil
}

func (c *spyCryptographer) ConfirmIssuance(resp string) (*crypto.UnblindedTokens, error) {
	c.invocations++
	c.confirmArgs = append(c.confirmArgs, resp)
	return c.confirmOut, c.confirmErr
}

type storedToken struct {
	body []byte
	key  []byte
}

type spyStore struct {
	calls        []string
	tokens       map[Origin][]storedToken
	associations map[Origin]map[Origin]struct{}
	addCalls     int
}

func newSpyStore() *spyStore {
	return &spyStore{
		tokens:       make(map[Origin][]storedToken),
		associations: make(map[Origin]map[Origin]struct{}),
	}
}

func (s *spyStore) SetAssociation(_ context.Context, issuer Origin, topLevel Origin) (bool, error) {
	s.calls = append(s.calls, "SetAssociation")
	set := s.associations[topLevel]
	if set == nil {
		set = make(map[Origin]struct{})
		s.associations[topLevel] = set
	}
	if _, ok := set[issuer]; ok {
		return true, nil
	}
	if len(set) >= MaxIssuersPerTopLevelOrigin {
		return false, nil
	}
	set[issuer] = struct{}{}
	return true, nil
}

func (s *spyStore) CountTokens(_ context.Context, issuer Origin) (int, error) {
	s.calls = append(s.calls, "CountTokens")
	return len(s.tokens[issuer]), nil
}

func (s *spyStore) PruneStaleIssuerState(_ context.Context, issuer Origin, keys []proto.VerificationKey) error {
	s.calls = append(s.calls, "PruneStaleIssuerState")
	c := proto.KeyCommitment{Keys: keys}
	kept := s.tokens[issuer][:0]
	for _, tok := range s.tokens[issuer] {
		if c.HasKey(tok.key) {
			kept = append(kept, tok)
		}
	}
	s.tokens[issuer] = kept
	return nil
}

func (s *spyStore) AddTokens(_ context.Context, issuer Origin, tokens [][]byte, key []byte) error {
	s.calls = append(s.calls, "AddTokens")
	s.addCalls++
	for _, tok := range tokens {
		if len(s.tokens[issuer]) >= PerIssuerTokenCapacity {
			break
		}
		s.tokens[issuer] = append(s.tokens[issuer], storedToken{body: tok, key: key})
	}
	return nil
}

func (s *spyStore) seed(issuer Origin, n int, key []byte) {
	for i := 0; i < n; i++ {
		s.tokens[issuer] = append(s.tokens[issuer], storedToken{body: []byte(fmt.Sprintf("seed-%d", i)), key: key})
	}
}

type fakeGetter struct {
	commitment *proto.KeyCommitment
	err        error
	calls      int
}

func (g *fakeGetter) Get(context.Context, Origin) (*proto.KeyCommitment, error) {
	g.calls++
	return g.commitment, g.err
}

var (
	testIssuer   = Origin{Scheme: "https", Host: "issuer.example"}
	testTopLevel = Origin{Scheme: "https", Host: "site.example"}
)

func newIssuanceRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func oneKeyCommitment(batch int) *proto.KeyCommitment {
	return &proto.KeyCommitment{
		ProtocolVersion: proto.ProtocolVersionV1,
		BatchSize:       batch,
		Keys:            []proto.VerificationKey{{Body: []byte("K_new")}},
	}
}

func newTestHelper(t *testing.T, store TokenStore, getter KeyCommitmentGetter, c Cryptographer, opts ...Option) *IssuanceHelper {
	t.Helper()
	h, err := NewIssuanceHelper(testTopLevel, store, getter, c, opts...)
	if err != nil {
		t.Fatalf("new helper: %v", err)
	}
	return h
}

func TestBeginRejectsAtCapacityWithoutCrypto(t *testing.T) {
	store := newSpyStore()
	store.seed(testIssuer, PerIssuerTokenCapacity, []byte("K_new"))
	getter := &fakeGetter{commitment: oneKeyCommitment(5)}
	c := &spyCryptographer{beginBlob: "REQ"}

	h := newTestHelper(t, store, getter, c)
	err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue"))
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if c.invocations != 0 {
		t.Fatalf("expected no cryptographic work, got %d calls", c.invocations)
	}
	if getter.calls != 0 {
		t.Fatalf("expected no commitment fetch, got %d", getter.calls)
	}
}

func TestBeginChecksAssociationBeforeCapacity(t *testing.T) {
	store := newSpyStore()
	store.associations[testTopLevel] = map[Origin]struct{}{
		{Scheme: "https", Host: "a.example"}: {},
		{Scheme: "https", Host: "b.example"}: {},
	}
	store.seed(testIssuer, PerIssuerTokenCapacity, []byte("K_new"))
	getter := &fakeGetter{commitment: oneKeyCommitment(5)}
	c := &spyCryptographer{beginBlob: "REQ"}

	h := newTestHelper(t, store, getter, c)
	err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue"))
	if StatusOf(err) != StatusResourceExhausted {
		t.Fatalf("expected resource exhausted, got %v", err)
	}
	if len(store.calls) != 1 || store.calls[0] != "SetAssociation" {
		t.Fatalf("expected only SetAssociation to run, got %v", store.calls)
	}
	if getter.calls != 0 {
		t.Fatalf("expected no commitment fetch, got %d", getter.calls)
	}
}

func TestBeginMissingCommitment(t *testing.T) {
	store := newSpyStore()
	c := &spyCryptographer{beginBlob: "REQ"}
	req := newIssuanceRequest(t, "https://issuer.example/issue")

	h := newTestHelper(t, store, &fakeGetter{}, c)
	err := h.Begin(context.Background(), req)
	if !errors.Is(err, ErrFailedPrecondition) {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if got := req.Header.Get(proto.TrustTokenHeader); got != "" {
		t.Fatalf("expected no header, got %q", got)
	}
}

func TestBeginCommitmentFetchError(t *testing.T) {
	h := newTestHelper(t, newSpyStore(), &fakeGetter{err: context.DeadlineExceeded}, &spyCryptographer{})
	err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue"))
	if StatusOf(err) != StatusFailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected fetch error to be wrapped, got %v", err)
	}
}

func TestBeginFailsOnFirstMalformedKey(t *testing.T) {
	commitment := &proto.KeyCommitment{
		Keys: []proto.VerificationKey{{Body: []byte("good")}, {Body: []byte("bad")}, {Body: []byte("later")}},
	}
	c := &spyCryptographer{badKey: []byte("bad"), beginBlob: "REQ"}
	store := newSpyStore()
	req := newIssuanceRequest(t, "https://issuer.example/issue")

	h := newTestHelper(t, store, &fakeGetter{commitment: commitment}, c)
	err := h.Begin(context.Background(), req)
	if StatusOf(err) != StatusFailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if len(c.keys) != 1 || len(c.beginSizes) != 0 {
		t.Fatalf("expected to stop at the bad key: keys=%d begins=%d", len(c.keys), len(c.beginSizes))
	}
	if req.Header.Get(proto.TrustTokenHeader) != "" {
		t.Fatalf("expected no header after key failure")
	}
}

func TestBeginCryptoFailureIsInternal(t *testing.T) {
	c := &spyCryptographer{beginErr: errors.New("boom")}
	h := newTestHelper(t, newSpyStore(), &fakeGetter{commitment: oneKeyCommitment(5)}, c)
	err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue"))
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestBeginWritesHeaderAndBypassesCache(t *testing.T) {
	c := &spyCryptographer{beginBlob: "BLINDED"}
	req := newIssuanceRequest(t, "https://issuer.example/issue")
	req.Header.Set(proto.TrustTokenHeader, "stale")
	req.Header.Set("If-None-Match", `"abc"`)

	h := newTestHelper(t, newSpyStore(), &fakeGetter{commitment: oneKeyCommitment(5)}, c)
	if err := h.Begin(context.Background(), req); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if got := req.Header.Values(proto.TrustTokenHeader); len(got) != 1 || got[0] != "BLINDED" {
		t.Fatalf("expected header BLINDED, got %v", got)
	}
	if req.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("expected cache read bypass, got %q", req.Header.Get("Cache-Control"))
	}
	if req.Header.Get("If-None-Match") != "" {
		t.Fatalf("expected validators to be dropped")
	}
	if h.Issuer() != testIssuer {
		t.Fatalf("unexpected issuer %s", h.Issuer())
	}
}

func TestFinalizeWithoutHeaderIsBadResponse(t *testing.T) {
	store := newSpyStore()
	c := &spyCryptographer{beginBlob: "REQ"}
	h := newTestHelper(t, store, &fakeGetter{commitment: oneKeyCommitment(5)}, c)
	if err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}

	err := h.Finalize(context.Background(), &http.Response{Header: http.Header{}})
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected bad response, got %v", err)
	}
	if store.addCalls != 0 {
		t.Fatalf("expected AddTokens not to run, got %d calls", store.addCalls)
	}
	if len(c.confirmArgs) != 0 {
		t.Fatalf("expected no confirm call")
	}
}

func TestFinalizeRejectedConfirmationIsBadResponse(t *testing.T) {
	store := newSpyStore()
	c := &spyCryptographer{beginBlob: "REQ", confirmErr: errors.New("bad signature")}
	h := newTestHelper(t, store, &fakeGetter{commitment: oneKeyCommitment(5)}, c)
	if err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set(proto.TrustTokenHeader, "RESP")

	err := h.Finalize(context.Background(), resp)
	if StatusOf(err) != StatusBadResponse {
		t.Fatalf("expected bad response, got %v", err)
	}
	if resp.Header.Get(proto.TrustTokenHeader) != "" {
		t.Fatalf("expected header to be stripped even on failure")
	}
	if store.addCalls != 0 {
		t.Fatalf("expected AddTokens not to run")
	}
}

func TestIssuanceRoundTrip(t *testing.T) {
	store := newSpyStore()
	getter := &fakeGetter{commitment: oneKeyCommitment(5)}
	tokens := [][]byte{[]byte("t1"), []byte("t2"), []byte("t3"), []byte("t4"), []byte("t5")}
	c := &spyCryptographer{
		beginBlob:  "REQ",
		confirmOut: &crypto.UnblindedTokens{Tokens: tokens, BodyOfVerifyingKey: []byte("K_new")},
	}
	metrics := NewMetrics()

	h := newTestHelper(t, store, getter, c, WithMetrics(metrics))
	req := newIssuanceRequest(t, "https://issuer.example/issue")
	if err := h.Begin(context.Background(), req); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if req.Header.Get(proto.TrustTokenHeader) != "REQ" {
		t.Fatalf("expected REQ header, got %q", req.Header.Get(proto.TrustTokenHeader))
	}
	if len(c.beginSizes) != 1 || c.beginSizes[0] != 5 {
		t.Fatalf("expected BeginIssuance(5), got %v", c.beginSizes)
	}

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Add(proto.TrustTokenHeader, "RESP")
	resp.Header.Add(proto.TrustTokenHeader, "IGNORED")
	if err := h.Finalize(context.Background(), resp); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if len(c.confirmArgs) != 1 || c.confirmArgs[0] != "RESP" {
		t.Fatalf("expected ConfirmIssuance(RESP), got %v", c.confirmArgs)
	}
	if len(resp.Header.Values(proto.TrustTokenHeader)) != 0 {
		t.Fatalf("expected response header to be stripped")
	}
	if n, _ := store.CountTokens(context.Background(), testIssuer); n != 5 {
		t.Fatalf("expected 5 stored tokens, got %d", n)
	}
	if got := testutil.ToFloat64(metrics.Operation(phaseBegin, StatusOK)); got != 1 {
		t.Fatalf("expected one ok begin, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Operation(phaseFinalize, StatusOK)); got != 1 {
		t.Fatalf("expected one ok finalize, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Issued()); got != 5 {
		t.Fatalf("expected 5 issued tokens, got %v", got)
	}
}

func TestBeginPrunesTokensFromRetiredKeys(t *testing.T) {
	store := newSpyStore()
	store.seed(testIssuer, 1, []byte("K_old"))
	store.seed(testIssuer, 2, []byte("K_new"))
	c := &spyCryptographer{beginBlob: "REQ"}
	metrics := NewMetrics()

	h := newTestHelper(t, store, &fakeGetter{commitment: oneKeyCommitment(5)}, c, WithMetrics(metrics))
	if err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if n, _ := store.CountTokens(context.Background(), testIssuer); n != 2 {
		t.Fatalf("expected K_old token pruned leaving 2, got %d", n)
	}
	for _, tok := range store.tokens[testIssuer] {
		if string(tok.key) == "K_old" {
			t.Fatalf("found token signed by retired key")
		}
	}
	if got := testutil.ToFloat64(metrics.Pruned()); got != 1 {
		t.Fatalf("expected 1 pruned token, got %v", got)
	}
	var pruneAt, addAt = -1, -1
	for i, call := range store.calls {
		switch call {
		case "PruneStaleIssuerState":
			pruneAt = i
		case "AddTokens":
			addAt = i
		}
	}
	if pruneAt < 0 || addAt >= 0 {
		t.Fatalf("expected prune during Begin and no adds yet, calls=%v", store.calls)
	}
}

func TestBatchSizeClamping(t *testing.T) {
	c := &spyCryptographer{beginBlob: "REQ"}
	h := newTestHelper(t, newSpyStore(), &fakeGetter{commitment: oneKeyCommitment(10_000_000)}, c)
	if err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if len(c.beginSizes) != 1 || c.beginSizes[0] != MaximumIssuanceBatchSize {
		t.Fatalf("expected BeginIssuance(%d), got %v", MaximumIssuanceBatchSize, c.beginSizes)
	}
}

func TestIssuanceBatchSize(t *testing.T) {
	cases := []struct {
		name string
		in   *proto.KeyCommitment
		want int
	}{
		{"nil commitment", nil, DefaultIssuanceBatchSize},
		{"absent", &proto.KeyCommitment{}, DefaultIssuanceBatchSize},
		{"negative", &proto.KeyCommitment{BatchSize: -3}, DefaultIssuanceBatchSize},
		{"in range", &proto.KeyCommitment{BatchSize: 7}, 7},
		{"at max", &proto.KeyCommitment{BatchSize: MaximumIssuanceBatchSize}, MaximumIssuanceBatchSize},
		{"oversized", &proto.KeyCommitment{BatchSize: MaximumIssuanceBatchSize + 1}, MaximumIssuanceBatchSize},
	}
	for _, tc := range cases {
		if got := IssuanceBatchSize(tc.in); got != tc.want {
			t.Fatalf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestCapacityInvariantAcrossRepeatedIssuance(t *testing.T) {
	store := newSpyStore()
	getter := &fakeGetter{commitment: oneKeyCommitment(MaximumIssuanceBatchSize)}
	batch := make([][]byte, MaximumIssuanceBatchSize)
	for i := range batch {
		batch[i] = []byte(fmt.Sprintf("tok-%d", i))
	}

	exhausted := false
	for attempt := 0; attempt < 10; attempt++ {
		c := &spyCryptographer{
			beginBlob:  "REQ",
			confirmOut: &crypto.UnblindedTokens{Tokens: batch, BodyOfVerifyingKey: []byte("K_new")},
		}
		h := newTestHelper(t, store, getter, c)
		err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue"))
		if errors.Is(err, ErrResourceExhausted) {
			if c.invocations != 0 {
				t.Fatalf("expected no crypto work at capacity")
			}
			exhausted = true
			break
		}
		if err != nil {
			t.Fatalf("attempt %d begin failed: %v", attempt, err)
		}
		resp := &http.Response{Header: http.Header{}}
		resp.Header.Set(proto.TrustTokenHeader, "RESP")
		if err := h.Finalize(context.Background(), resp); err != nil {
			t.Fatalf("attempt %d finalize failed: %v", attempt, err)
		}
		if n, _ := store.CountTokens(context.Background(), testIssuer); n > PerIssuerTokenCapacity {
			t.Fatalf("capacity exceeded: %d", n)
		}
	}
	if !exhausted {
		t.Fatalf("expected issuance to stop at capacity")
	}
}

func TestAttemptSequencing(t *testing.T) {
	c := &spyCryptographer{beginBlob: "REQ"}
	h := newTestHelper(t, newSpyStore(), &fakeGetter{commitment: oneKeyCommitment(1)}, c)

	if err := h.Finalize(context.Background(), &http.Response{Header: http.Header{}}); StatusOf(err) != StatusInternalError {
		t.Fatalf("expected finalize before begin to be internal error, got %v", err)
	}
	if err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue")); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := h.Begin(context.Background(), newIssuanceRequest(t, "https://issuer.example/issue")); StatusOf(err) != StatusInternalError {
		t.Fatalf("expected second begin to fail, got %v", err)
	}
	if err := h.Finalize(context.Background(), &http.Response{Header: http.Header{}}); StatusOf(err) != StatusBadResponse {
		t.Fatalf("expected bad response, got %v", err)
	}
	if err := h.Finalize(context.Background(), &http.Response{Header: http.Header{}}); StatusOf(err) != StatusInternalError {
		t.Fatalf("expected finalize after finalize to fail, got %v", err)
	}
}

func TestBeginRejectsInsecureIssuer(t *testing.T) {
	store := newSpyStore()
	c := &spyCryptographer{beginBlob: "REQ"}
	h := newTestHelper(t, store, &fakeGetter{commitment: oneKeyCommitment(1)}, c)

	err := h.Begin(context.Background(), newIssuanceRequest(t, "http://issuer.example/issue"))
	if !errors.Is(err, ErrUnsuitableOrigin) || StatusOf(err) != StatusInternalError {
		t.Fatalf("expected unsuitable origin internal error, got %v", err)
	}
	if len(store.calls) != 0 || c.invocations != 0 {
		t.Fatalf("expected nothing to run for an insecure issuer")
	}
}

func TestNewIssuanceHelperRejectsInsecureTopLevel(t *testing.T) {
	_, err := NewIssuanceHelper(Origin{Scheme: "http", Host: "site.example"}, newSpyStore(), &fakeGetter{}, &spyCryptographer{})
	if !errors.Is(err, ErrUnsuitableOrigin) {
		t.Fatalf("expected unsuitable origin, got %v", err)
	}
}
