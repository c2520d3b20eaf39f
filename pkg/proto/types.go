package proto

import (
	"bytes"
	"time"
)

const (
	ProtocolVersionV1 = "TrustTokenV1BlindRSA"

	TrustTokenHeader    = "Sec-Trust-Token"
	KeyCommitmentPath   = "/.well-known/trust-token/key-commitment"
	DefaultIssuancePath = "/.well-known/trust-token/issuance"
)

// VerificationKey is one issuer signing key as published in a key commitment.
// Body is the raw key material; it doubles as the identifier recorded next to
// every token the key signed.
type VerificationKey struct {
	Body   []byte
	Expiry time.Time
}

func (k VerificationKey) Expired(now time.Time) bool {
	return !k.Expiry.IsZero() && !now.Before(k.Expiry)
}

// KeyCommitment is an issuer's current key set plus issuance parameters.
// BatchSize <= 0 means the issuer did not express a preference.
type KeyCommitment struct {
	ProtocolVersion string
	ID              int64
	BatchSize       int
	Keys            []VerificationKey
}

func (c *KeyCommitment) HasKey(body []byte) bool {
	if c == nil {
		return false
	}
	for _, k := range c.Keys {
		if bytes.Equal(k.Body, body) {
			return true
		}
	}
	return false
}

type KeyCommitmentDocument struct {
	ProtocolVersion string                        `json:"protocol_version"`
	ID              int64                         `json:"id"`
	BatchSize       int                           `json:"batchsize,omitempty"`
	Keys            map[string]KeyCommitmentEntry `json:"keys"`
}

type KeyCommitmentEntry struct {
	Y      string `json:"Y"`
	Expiry string `json:"expiry"`
}

type StoredToken struct {
	Body       []byte `json:"body"`
	SigningKey []byte `json:"signing_key"`
}
