package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

const minRSAModulusBits = 2048

// KeyID fingerprints a verification key body.
func KeyID(body []byte) []byte {
	sum := blake3.Sum256(body)
	return sum[:]
}

// KeyIDHex is KeyID in a form suitable for storage keys and log fields.
func KeyIDHex(body []byte) string {
	return hex.EncodeToString(KeyID(body))
}

func ParseRSAPublicKey(body []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(body)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not rsa")
	}
	if pub.N.BitLen() < minRSAModulusBits {
		return nil, fmt.Errorf("rsa modulus too small: %d bits", pub.N.BitLen())
	}
	return pub, nil
}

func MarshalRSAPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}
