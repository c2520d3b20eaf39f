package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// IssuanceRequest is the decoded form of the blinded batch a client sends in
// the Sec-Trust-Token request header.
type IssuanceRequest struct {
	KeyID   []byte
	Blinded [][]byte
}

// IssuanceResponse is the decoded form of the issuer's Sec-Trust-Token
// response header.
type IssuanceResponse struct {
	KeyID      []byte
	Signatures [][]byte
}

func EncodeIssuanceRequest(req IssuanceRequest) (string, error) {
	return encodeBatch(req.KeyID, req.Blinded)
}

func ParseIssuanceRequest(header string) (IssuanceRequest, error) {
	keyID, items, err := decodeBatch(header)
	if err != nil {
		return IssuanceRequest{}, fmt.Errorf("parse issuance request: %w", err)
	}
	return IssuanceRequest{KeyID: keyID, Blinded: items}, nil
}

func EncodeIssuanceResponse(resp IssuanceResponse) (string, error) {
	return encodeBatch(resp.KeyID, resp.Signatures)
}

func ParseIssuanceResponse(header string) (IssuanceResponse, error) {
	keyID, items, err := decodeBatch(header)
	if err != nil {
		return IssuanceResponse{}, fmt.Errorf("parse issuance response: %w", err)
	}
	return IssuanceResponse{KeyID: keyID, Signatures: items}, nil
}

// Wire layout: key_id<u8> count:u16 item<u16>*count, base64 (std) encoded.
func encodeBatch(keyID []byte, items [][]byte) (string, error) {
	if len(keyID) == 0 || len(keyID) > 255 {
		return "", fmt.Errorf("invalid key id length %d", len(keyID))
	}
	if len(items) > 0xffff {
		return "", fmt.Errorf("batch too large: %d", len(items))
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(keyID)
	})
	b.AddUint16(uint16(len(items)))
	for _, item := range items {
		item := item
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(item)
		})
	}
	raw, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeBatch(header string) ([]byte, [][]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid base64: %w", err)
	}
	s := cryptobyte.String(raw)
	var keyID cryptobyte.String
	var count uint16
	if !s.ReadUint8LengthPrefixed(&keyID) || len(keyID) == 0 || !s.ReadUint16(&count) {
		return nil, nil, fmt.Errorf("truncated header")
	}
	items := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		var item cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&item) {
			return nil, nil, fmt.Errorf("truncated item %d", i)
		}
		items = append(items, append([]byte(nil), item...))
	}
	if !s.Empty() {
		return nil, nil, fmt.Errorf("trailing bytes")
	}
	return append([]byte(nil), keyID...), items, nil
}
