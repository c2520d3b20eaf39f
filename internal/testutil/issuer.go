// Package testutil runs an in-process trust token issuer for tests. It
// publishes a key commitment and signs blinded batches with the current key.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/circl/blindsign/blindrsa"

	"trusttoken/pkg/crypto"
	"trusttoken/pkg/proto"
)

type ResponseMode int

const (
	// RespondSigned answers with a signed batch.
	RespondSigned ResponseMode = iota
	// RespondWithoutHeader answers 200 without a Sec-Trust-Token header.
	RespondWithoutHeader
	// RespondGarbage answers with a header that does not parse.
	RespondGarbage
)

var (
	sharedKeyOnce sync.Once
	sharedKey     *rsa.PrivateKey
	sharedKeyErr  error
)

// SharedKey returns a process-wide 2048-bit issuer key; generating one per
// test dominates test time.
func SharedKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	sharedKeyOnce.Do(func() {
		sharedKey, sharedKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if sharedKeyErr != nil {
		t.Fatalf("issuer keygen failed: %v", sharedKeyErr)
	}
	return sharedKey
}

func KeyBody(t testing.TB, priv *rsa.PrivateKey) []byte {
	t.Helper()
	body, err := crypto.MarshalRSAPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal issuer key failed: %v", err)
	}
	return body
}

type Issuer struct {
	t      testing.TB
	Server *httptest.Server

	mu                sync.Mutex
	key               *rsa.PrivateKey
	keyExpiry         time.Time
	previous          *rsa.PrivateKey
	publishPrevious   bool
	commitmentID      int64
	batchSize         int
	mode              ResponseMode
	commitmentFetches int
	issuanceRequests  int
	signed            int
	lastRequest       http.Header
}

func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	iss := &Issuer{
		t:            t,
		key:          SharedKey(t),
		keyExpiry:    time.Now().Add(24 * time.Hour).Truncate(time.Second),
		commitmentID: 1,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(proto.KeyCommitmentPath, iss.handleKeyCommitment)
	mux.HandleFunc(proto.DefaultIssuancePath, iss.handleIssue)
	iss.Server = httptest.NewServer(mux)
	t.Cleanup(iss.Server.Close)
	return iss
}

func (i *Issuer) URL() string {
	return i.Server.URL
}

func (i *Issuer) IssuanceURL() string {
	return strings.TrimRight(i.Server.URL, "/") + proto.DefaultIssuancePath
}

// RotateKey replaces the signing key with a fresh one and bumps the
// commitment id. The previous key leaves the commitment unless
// PublishPreviousKey is set.
func (i *Issuer) RotateKey() {
	i.t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		i.t.Fatalf("rotate issuer key failed: %v", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.previous = i.key
	i.key = priv
	i.keyExpiry = time.Now().Add(24 * time.Hour).Truncate(time.Second)
	i.commitmentID++
}

// PublishPreviousKey keeps the key retired by the last rotation in the
// commitment, listed before the current one. Only the current key signs.
func (i *Issuer) PublishPreviousKey(publish bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.publishPrevious = publish
	i.commitmentID++
}

func (i *Issuer) PreviousKeyBody() []byte {
	i.mu.Lock()
	priv := i.previous
	i.mu.Unlock()
	if priv == nil {
		return nil
	}
	return KeyBody(i.t, priv)
}

func (i *Issuer) SetBatchSize(n int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.batchSize = n
	i.commitmentID++
}

func (i *Issuer) SetResponseMode(mode ResponseMode) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.mode = mode
}

func (i *Issuer) CurrentKeyBody() []byte {
	i.mu.Lock()
	priv := i.key
	i.mu.Unlock()
	return KeyBody(i.t, priv)
}

func (i *Issuer) CommitmentFetches() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.commitmentFetches
}

func (i *Issuer) IssuanceRequests() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issuanceRequests
}

// Signed is the number of blinded tokens signed so far.
func (i *Issuer) Signed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.signed
}

// LastIssuanceHeaders returns a copy of the headers on the latest issuance
// request.
func (i *Issuer) LastIssuanceHeaders() http.Header {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastRequest.Clone()
}

func (i *Issuer) Commitment() proto.KeyCommitmentDocument {
	i.mu.Lock()
	defer i.mu.Unlock()
	keys := make([]proto.VerificationKey, 0, 2)
	if i.publishPrevious && i.previous != nil {
		keys = append(keys, proto.VerificationKey{Body: KeyBody(i.t, i.previous), Expiry: i.keyExpiry})
	}
	keys = append(keys, proto.VerificationKey{Body: KeyBody(i.t, i.key), Expiry: i.keyExpiry})
	return proto.EncodeKeyCommitment(proto.KeyCommitment{
		ProtocolVersion: proto.ProtocolVersionV1,
		ID:              i.commitmentID,
		BatchSize:       i.batchSize,
		Keys:            keys,
	})
}

func (i *Issuer) handleKeyCommitment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	i.mu.Lock()
	i.commitmentFetches++
	i.mu.Unlock()
	if err := writeJSONWithETag(w, r, i.Commitment()); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}

func (i *Issuer) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	i.mu.Lock()
	i.issuanceRequests++
	i.lastRequest = r.Header.Clone()
	priv := i.key
	mode := i.mode
	i.mu.Unlock()

	switch mode {
	case RespondWithoutHeader:
		w.WriteHeader(http.StatusOK)
		return
	case RespondGarbage:
		w.Header().Set(proto.TrustTokenHeader, "not-a-batch")
		w.WriteHeader(http.StatusOK)
		return
	}

	req, err := crypto.ParseIssuanceRequest(r.Header.Get(proto.TrustTokenHeader))
	if err != nil {
		http.Error(w, "invalid issuance request", http.StatusBadRequest)
		return
	}
	body := KeyBody(i.t, priv)
	if string(req.KeyID) != string(crypto.KeyID(body)) {
		http.Error(w, "unknown key", http.StatusBadRequest)
		return
	}
	signer := blindrsa.NewRSASigner(priv)
	sigs := make([][]byte, 0, len(req.Blinded))
	for _, msg := range req.Blinded {
		sig, err := signer.BlindSign(msg)
		if err != nil {
			http.Error(w, "sign failed", http.StatusBadRequest)
			return
		}
		sigs = append(sigs, sig)
	}
	header, err := crypto.EncodeIssuanceResponse(crypto.IssuanceResponse{KeyID: req.KeyID, Signatures: sigs})
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	i.mu.Lock()
	i.signed += len(sigs)
	i.mu.Unlock()
	w.Header().Set(proto.TrustTokenHeader, header)
	w.WriteHeader(http.StatusOK)
}

func writeJSONWithETag(w http.ResponseWriter, r *http.Request, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	etag := fmt.Sprintf("\"%x\"", sum[:8])
	if strings.TrimSpace(r.Header.Get("If-None-Match")) == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_, err = w.Write(b)
	return err
}
