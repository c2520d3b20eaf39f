// Package store holds the TokenStore backends: an in-process map, LevelDB
// for a single node and Redis for tokens shared between processes.
package store

import (
	"context"
	"fmt"
	"strings"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/proto"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendRedis   = "redis"
)

// Store is the full surface the backends share. The issuance helper only
// needs trusttoken.TokenStore; the rest serves inspection and maintenance.
type Store interface {
	trusttoken.TokenStore
	IsAssociated(ctx context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error)
	Tokens(ctx context.Context, issuer trusttoken.Origin) ([]proto.StoredToken, error)
	ClearIssuer(ctx context.Context, issuer trusttoken.Origin) error
	Close() error
}

type Options struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendLevelDB:
		return OpenLevelDB(opts.Path)
	case BackendRedis:
		return NewRedis(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown token store backend %q", opts.Backend)
	}
}

// tokenRecord is the persisted form of one token. KeyID is the hex BLAKE3
// fingerprint of the issuing key body.
type tokenRecord struct {
	Body  []byte `json:"body"`
	KeyID string `json:"key_id"`
}

func keySet(keys []proto.VerificationKey) map[string]struct{} {
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[string(k.Body)] = struct{}{}
	}
	return out
}

// headroom is how many of incoming tokens fit next to current stored ones.
func headroom(current int, incoming int) int {
	room := trusttoken.PerIssuerTokenCapacity - current
	if room < 0 {
		return 0
	}
	if incoming < room {
		return incoming
	}
	return room
}
