package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/crypto"
	"trusttoken/pkg/proto"
)

const (
	defaultRedisPrefix = "tt:"
	maxTxRetries       = 16
)

var errTxContention = errors.New("redis transaction retries exhausted")

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis keeps tokens in Redis so several processes can share one pool per
// issuer. Read-modify-write steps run as WATCH/MULTI transactions on the
// issuer's token list.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis token store address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisWithClient(client, opts.Prefix), nil
}

func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) tokensKey(issuer trusttoken.Origin) string {
	return r.prefix + "tokens:" + issuer.String()
}

func (r *Redis) keysKey(issuer trusttoken.Origin) string {
	return r.prefix + "keys:" + issuer.String()
}

func (r *Redis) assocKey(topLevel trusttoken.Origin) string {
	return r.prefix + "assoc:" + topLevel.String()
}

func (r *Redis) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxContention
}

func (r *Redis) SetAssociation(ctx context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error) {
	key := r.assocKey(topLevel)
	var ok bool
	err := r.transact(ctx, func(tx *redis.Tx) error {
		member, err := tx.SIsMember(ctx, key, issuer.String()).Result()
		if err != nil {
			return err
		}
		if member {
			ok = true
			return nil
		}
		n, err := tx.SCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if n >= trusttoken.MaxIssuersPerTopLevelOrigin {
			ok = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, issuer.String())
			return nil
		})
		ok = err == nil
		return err
	}, key)
	if err != nil {
		return false, fmt.Errorf("set association: %w", err)
	}
	return ok, nil
}

func (r *Redis) IsAssociated(ctx context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error) {
	return r.client.SIsMember(ctx, r.assocKey(topLevel), issuer.String()).Result()
}

func (r *Redis) CountTokens(ctx context.Context, issuer trusttoken.Origin) (int, error) {
	n, err := r.client.LLen(ctx, r.tokensKey(issuer)).Result()
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(n), nil
}

func (r *Redis) PruneStaleIssuerState(ctx context.Context, issuer trusttoken.Origin, keys []proto.VerificationKey) error {
	valid := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		valid[crypto.KeyIDHex(k.Body)] = struct{}{}
	}
	tokensKey := r.tokensKey(issuer)
	keysKey := r.keysKey(issuer)

	err := r.transact(ctx, func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, tokensKey, 0, -1).Result()
		if err != nil {
			return err
		}
		ids, err := tx.HKeys(ctx, keysKey).Result()
		if err != nil {
			return err
		}
		kept := make([]interface{}, 0, len(raw))
		for _, v := range raw {
			var rec tokenRecord
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				continue
			}
			if _, ok := valid[rec.KeyID]; ok {
				kept = append(kept, v)
			}
		}
		stale := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, ok := valid[id]; !ok {
				stale = append(stale, id)
			}
		}
		if len(kept) == len(raw) && len(stale) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, tokensKey)
			if len(kept) > 0 {
				pipe.RPush(ctx, tokensKey, kept...)
			}
			if len(stale) > 0 {
				pipe.HDel(ctx, keysKey, stale...)
			}
			return nil
		})
		return err
	}, tokensKey, keysKey)
	if err != nil {
		return fmt.Errorf("prune tokens: %w", err)
	}
	return nil
}

func (r *Redis) AddTokens(ctx context.Context, issuer trusttoken.Origin, tokens [][]byte, issuingKey []byte) error {
	tokensKey := r.tokensKey(issuer)
	keysKey := r.keysKey(issuer)
	keyID := crypto.KeyIDHex(issuingKey)

	err := r.transact(ctx, func(tx *redis.Tx) error {
		current, err := tx.LLen(ctx, tokensKey).Result()
		if err != nil {
			return err
		}
		n := headroom(int(current), len(tokens))
		if n == 0 {
			return nil
		}
		values := make([]interface{}, 0, n)
		for _, tok := range tokens[:n] {
			raw, err := json.Marshal(tokenRecord{Body: tok, KeyID: keyID})
			if err != nil {
				return err
			}
			values = append(values, string(raw))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, keysKey, keyID, issuingKey)
			pipe.RPush(ctx, tokensKey, values...)
			return nil
		})
		return err
	}, tokensKey)
	if err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

func (r *Redis) Tokens(ctx context.Context, issuer trusttoken.Origin) ([]proto.StoredToken, error) {
	raw, err := r.client.LRange(ctx, r.tokensKey(issuer), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	bodies, err := r.client.HGetAll(ctx, r.keysKey(issuer)).Result()
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}
	out := make([]proto.StoredToken, 0, len(raw))
	for _, v := range raw {
		var rec tokenRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		out = append(out, proto.StoredToken{Body: rec.Body, SigningKey: []byte(bodies[rec.KeyID])})
	}
	return out, nil
}

func (r *Redis) ClearIssuer(ctx context.Context, issuer trusttoken.Origin) error {
	if err := r.client.Del(ctx, r.tokensKey(issuer), r.keysKey(issuer)).Err(); err != nil {
		return fmt.Errorf("clear issuer: %w", err)
	}
	return nil
}
