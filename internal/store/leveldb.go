package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/crypto"
	"trusttoken/pkg/proto"
)

const (
	ldbTokenPrefix = "token:"
	ldbKeyPrefix   = "key:"
	ldbSeqPrefix   = "seq:"
	ldbAssocPrefix = "assoc:"
	ldbSep         = "\x00"
)

// LevelDB persists tokens in a local LevelDB database. Token records point at
// their signing key by BLAKE3 fingerprint; key bodies are stored once per
// issuer.
type LevelDB struct {
	db      *leveldb.DB
	locks   sync.Map
	assocMu sync.Mutex
}

func OpenLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb token store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb token store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb token store: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDB) lock(issuer trusttoken.Origin) func() {
	v, _ := l.locks.LoadOrStore(issuer.String(), &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *LevelDB) SetAssociation(_ context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error) {
	l.assocMu.Lock()
	defer l.assocMu.Unlock()
	key := []byte(ldbAssocPrefix + topLevel.String() + ldbSep + issuer.String())
	ok, err := l.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("load association: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := l.countPrefix([]byte(ldbAssocPrefix + topLevel.String() + ldbSep))
	if err != nil {
		return false, fmt.Errorf("count associations: %w", err)
	}
	if n >= trusttoken.MaxIssuersPerTopLevelOrigin {
		return false, nil
	}
	if err := l.db.Put(key, nil, nil); err != nil {
		return false, fmt.Errorf("record association: %w", err)
	}
	return true, nil
}

func (l *LevelDB) IsAssociated(_ context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error) {
	return l.db.Has([]byte(ldbAssocPrefix+topLevel.String()+ldbSep+issuer.String()), nil)
}

func (l *LevelDB) CountTokens(_ context.Context, issuer trusttoken.Origin) (int, error) {
	unlock := l.lock(issuer)
	defer unlock()
	return l.countPrefix(tokenPrefix(issuer))
}

func (l *LevelDB) PruneStaleIssuerState(ctx context.Context, issuer trusttoken.Origin, keys []proto.VerificationKey) error {
	valid := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		valid[crypto.KeyIDHex(k.Body)] = struct{}{}
	}

	unlock := l.lock(issuer)
	defer unlock()

	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(util.BytesPrefix(tokenPrefix(issuer)), nil)
	for iter.Next() {
		select {
		case <-ctx.Done():
			iter.Release()
			return ctx.Err()
		default:
		}
		var rec tokenRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if _, ok := valid[rec.KeyID]; !ok {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate tokens: %w", err)
	}

	keyIter := l.db.NewIterator(util.BytesPrefix(keyPrefix(issuer)), nil)
	for keyIter.Next() {
		id := strings.TrimPrefix(string(keyIter.Key()), string(keyPrefix(issuer)))
		if _, ok := valid[id]; !ok {
			batch.Delete(append([]byte(nil), keyIter.Key()...))
		}
	}
	keyIter.Release()
	if err := keyIter.Error(); err != nil {
		return fmt.Errorf("iterate keys: %w", err)
	}

	if batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune tokens: %w", err)
	}
	return nil
}

func (l *LevelDB) AddTokens(_ context.Context, issuer trusttoken.Origin, tokens [][]byte, issuingKey []byte) error {
	unlock := l.lock(issuer)
	defer unlock()

	current, err := l.countPrefix(tokenPrefix(issuer))
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	n := headroom(current, len(tokens))
	if n == 0 {
		return nil
	}
	seq, err := l.loadSeq(issuer)
	if err != nil {
		return err
	}

	keyID := crypto.KeyIDHex(issuingKey)
	batch := new(leveldb.Batch)
	batch.Put(append(keyPrefix(issuer), keyID...), issuingKey)
	for _, tok := range tokens[:n] {
		raw, err := json.Marshal(tokenRecord{Body: tok, KeyID: keyID})
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		seq++
		batch.Put(tokenKey(issuer, seq), raw)
	}
	batch.Put(seqKey(issuer), encodeSeq(seq))
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	return nil
}

func (l *LevelDB) Tokens(_ context.Context, issuer trusttoken.Origin) ([]proto.StoredToken, error) {
	unlock := l.lock(issuer)
	defer unlock()

	bodies := make(map[string][]byte)
	out := make([]proto.StoredToken, 0)
	iter := l.db.NewIterator(util.BytesPrefix(tokenPrefix(issuer)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec tokenRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		body, ok := bodies[rec.KeyID]
		if !ok {
			v, err := l.db.Get(append(keyPrefix(issuer), rec.KeyID...), nil)
			if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
				return nil, fmt.Errorf("load signing key: %w", err)
			}
			body = v
			bodies[rec.KeyID] = body
		}
		out = append(out, proto.StoredToken{Body: rec.Body, SigningKey: body})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

func (l *LevelDB) ClearIssuer(_ context.Context, issuer trusttoken.Origin) error {
	unlock := l.lock(issuer)
	defer unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range [][]byte{tokenPrefix(issuer), keyPrefix(issuer)} {
		iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return fmt.Errorf("iterate issuer state: %w", err)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDB) countPrefix(prefix []byte) (int, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (l *LevelDB) loadSeq(issuer trusttoken.Origin) (uint64, error) {
	v, err := l.db.Get(seqKey(issuer), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("load sequence: %w", err)
	case len(v) != 8:
		return 0, fmt.Errorf("corrupt sequence for %s", issuer)
	}
	return binary.BigEndian.Uint64(v), nil
}

func tokenPrefix(issuer trusttoken.Origin) []byte {
	return []byte(ldbTokenPrefix + issuer.String() + ldbSep)
}

func keyPrefix(issuer trusttoken.Origin) []byte {
	return []byte(ldbKeyPrefix + issuer.String() + ldbSep)
}

func seqKey(issuer trusttoken.Origin) []byte {
	return []byte(ldbSeqPrefix + issuer.String())
}

func tokenKey(issuer trusttoken.Origin, seq uint64) []byte {
	return append(tokenPrefix(issuer), encodeSeq(seq)...)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
