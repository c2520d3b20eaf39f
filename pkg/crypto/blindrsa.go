package crypto

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/blindsign"
	"github.com/cloudflare/circl/blindsign/blindrsa"
)

const (
	tokenInputContext = "TrustTokenV1"
	tokenNonceSize    = 32
)

var ErrNoPendingIssuance = errors.New("no pending issuance")

// UnblindedTokens is the result of a confirmed issuance: the redeemable
// tokens and the body of the key that signed them.
type UnblindedTokens struct {
	Tokens             [][]byte
	BodyOfVerifyingKey []byte
}

type rsaKey struct {
	body []byte
	id   []byte
	pub  *rsa.PublicKey
}

type pendingIssuance struct {
	key    rsaKey
	inputs [][]byte
	nonces [][]byte
	states []blindsign.VerifierState
}

// BlindRSA issues tokens as RSA blind signatures (RSABSSA-SHA384-PSS). A
// value serves exactly one issuance: keys are added, one batch is blinded
// against the most recently added key, and the issuer's reply is confirmed.
// It is not safe for concurrent use.
type BlindRSA struct {
	random  io.Reader
	keys    []rsaKey
	pending *pendingIssuance
	done    bool
}

func NewBlindRSA() *BlindRSA {
	return &BlindRSA{random: rand.Reader}
}

func (c *BlindRSA) AddKey(body []byte) error {
	pub, err := ParseRSAPublicKey(body)
	if err != nil {
		return err
	}
	c.keys = append(c.keys, rsaKey{
		body: append([]byte(nil), body...),
		id:   KeyID(body),
		pub:  pub,
	})
	return nil
}

func (c *BlindRSA) BeginIssuance(numTokens int) (string, error) {
	if c.pending != nil || c.done {
		return "", fmt.Errorf("issuance already started")
	}
	if len(c.keys) == 0 {
		return "", fmt.Errorf("no verification keys")
	}
	if numTokens <= 0 {
		return "", fmt.Errorf("invalid batch size %d", numTokens)
	}
	key := c.keys[len(c.keys)-1]
	p := &pendingIssuance{
		key:    key,
		inputs: make([][]byte, 0, numTokens),
		nonces: make([][]byte, 0, numTokens),
		states: make([]blindsign.VerifierState, 0, numTokens),
	}
	blinded := make([][]byte, 0, numTokens)
	for i := 0; i < numTokens; i++ {
		nonce := make([]byte, tokenNonceSize)
		if _, err := io.ReadFull(c.random, nonce); err != nil {
			return "", fmt.Errorf("read nonce: %w", err)
		}
		input := tokenInput(key.id, nonce)
		verifier := blindrsa.NewRSAVerifier(key.pub, sha512.New384())
		msg, state, err := verifier.Blind(c.random, input)
		if err != nil {
			return "", fmt.Errorf("blind token %d: %w", i, err)
		}
		p.inputs = append(p.inputs, input)
		p.nonces = append(p.nonces, nonce)
		p.states = append(p.states, state)
		blinded = append(blinded, msg)
	}
	header, err := EncodeIssuanceRequest(IssuanceRequest{KeyID: key.id, Blinded: blinded})
	if err != nil {
		return "", err
	}
	c.pending = p
	return header, nil
}

func (c *BlindRSA) ConfirmIssuance(header string) (*UnblindedTokens, error) {
	p := c.pending
	if p == nil {
		return nil, ErrNoPendingIssuance
	}
	c.pending = nil
	c.done = true

	resp, err := ParseIssuanceResponse(header)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(resp.KeyID, p.key.id) {
		return nil, fmt.Errorf("response signed with unexpected key")
	}
	if len(resp.Signatures) != len(p.states) {
		return nil, fmt.Errorf("response carries %d signatures, requested %d", len(resp.Signatures), len(p.states))
	}

	out := &UnblindedTokens{
		Tokens:             make([][]byte, 0, len(p.states)),
		BodyOfVerifyingKey: append([]byte(nil), p.key.body...),
	}
	for i, state := range p.states {
		sig, err := state.Finalize(resp.Signatures[i])
		if err != nil {
			return nil, fmt.Errorf("unblind token %d: %w", i, err)
		}
		if err := verifyTokenSignature(p.key.pub, p.inputs[i], sig); err != nil {
			return nil, fmt.Errorf("verify token %d: %w", i, err)
		}
		token := make([]byte, 0, len(p.nonces[i])+len(sig))
		token = append(token, p.nonces[i]...)
		token = append(token, sig...)
		out.Tokens = append(out.Tokens, token)
	}
	return out, nil
}

func tokenInput(keyID []byte, nonce []byte) []byte {
	out := make([]byte, 0, len(tokenInputContext)+len(keyID)+len(nonce))
	out = append(out, tokenInputContext...)
	out = append(out, keyID...)
	out = append(out, nonce...)
	return out
}

// TokenInput exposes the signed message for a token nonce so an issuer or
// verifier can recompute it.
func TokenInput(keyBody []byte, nonce []byte) []byte {
	return tokenInput(KeyID(keyBody), nonce)
}

func verifyTokenSignature(pub *rsa.PublicKey, input []byte, sig []byte) error {
	h := sha512.New384()
	h.Write(input)
	digest := h.Sum(nil)
	return rsa.VerifyPSS(pub, crypto.SHA384, digest, sig, &rsa.PSSOptions{
		Hash:       crypto.SHA384,
		SaltLength: crypto.SHA384.Size(),
	})
}

// VerifyToken checks a token produced by ConfirmIssuance against the key body
// that signed it.
func VerifyToken(keyBody []byte, token []byte) error {
	pub, err := ParseRSAPublicKey(keyBody)
	if err != nil {
		return err
	}
	if len(token) <= tokenNonceSize {
		return fmt.Errorf("token too short")
	}
	return verifyTokenSignature(pub, TokenInput(keyBody, token[:tokenNonceSize]), token[tokenNonceSize:])
}
