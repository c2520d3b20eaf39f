package trusttoken

import (
	"context"

	"trusttoken/pkg/crypto"
	"trusttoken/pkg/proto"
)

const (
	// PerIssuerTokenCapacity bounds the number of tokens stored per issuer.
	PerIssuerTokenCapacity = 500
	// DefaultIssuanceBatchSize applies when a commitment carries no batch size.
	DefaultIssuanceBatchSize = 10
	// MaximumIssuanceBatchSize caps the batch size an issuer may request.
	MaximumIssuanceBatchSize = 100
	// MaxIssuersPerTopLevelOrigin bounds issuer associations per top-level origin.
	MaxIssuersPerTopLevelOrigin = 2
)

// Cryptographer blinds one batch of tokens and unblinds the issuer's reply.
// A Cryptographer holds per-attempt blinding state and must not be shared.
type Cryptographer interface {
	AddKey(body []byte) error
	BeginIssuance(numTokens int) (string, error)
	ConfirmIssuance(response string) (*crypto.UnblindedTokens, error)
}

// KeyCommitmentGetter fetches an issuer's current key commitment. A nil
// commitment means the issuer has none.
type KeyCommitmentGetter interface {
	Get(ctx context.Context, issuer Origin) (*proto.KeyCommitment, error)
}

// TokenStore persists unblinded tokens per issuer.
//
// AddTokens must never let CountTokens exceed PerIssuerTokenCapacity; surplus
// tokens are dropped. Operations on one issuer must be atomic with respect to
// each other; different issuers need not contend.
type TokenStore interface {
	// SetAssociation records that topLevel used issuer. It reports false when
	// the pair is new and topLevel already has MaxIssuersPerTopLevelOrigin
	// issuers.
	SetAssociation(ctx context.Context, issuer Origin, topLevel Origin) (bool, error)
	CountTokens(ctx context.Context, issuer Origin) (int, error)
	// PruneStaleIssuerState drops tokens signed by keys absent from keys.
	PruneStaleIssuerState(ctx context.Context, issuer Origin, keys []proto.VerificationKey) error
	AddTokens(ctx context.Context, issuer Origin, tokens [][]byte, issuingKey []byte) error
}
