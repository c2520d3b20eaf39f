package store

import (
	"context"
	"sync"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/proto"
)

type issuerTokens struct {
	mu     sync.Mutex
	tokens []proto.StoredToken
}

// Memory is a process-local TokenStore. Each issuer has its own lock.
type Memory struct {
	mu           sync.RWMutex
	issuers      map[trusttoken.Origin]*issuerTokens
	assocMu      sync.Mutex
	associations map[trusttoken.Origin]map[trusttoken.Origin]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		issuers:      make(map[trusttoken.Origin]*issuerTokens),
		associations: make(map[trusttoken.Origin]map[trusttoken.Origin]struct{}),
	}
}

func (m *Memory) issuer(o trusttoken.Origin) *issuerTokens {
	m.mu.RLock()
	it, ok := m.issuers[o]
	m.mu.RUnlock()
	if ok {
		return it
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok = m.issuers[o]; !ok {
		it = &issuerTokens{}
		m.issuers[o] = it
	}
	return it
}

func (m *Memory) SetAssociation(_ context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error) {
	m.assocMu.Lock()
	defer m.assocMu.Unlock()
	set := m.associations[topLevel]
	if _, ok := set[issuer]; ok {
		return true, nil
	}
	if len(set) >= trusttoken.MaxIssuersPerTopLevelOrigin {
		return false, nil
	}
	if set == nil {
		set = make(map[trusttoken.Origin]struct{})
		m.associations[topLevel] = set
	}
	set[issuer] = struct{}{}
	return true, nil
}

func (m *Memory) IsAssociated(_ context.Context, issuer trusttoken.Origin, topLevel trusttoken.Origin) (bool, error) {
	m.assocMu.Lock()
	defer m.assocMu.Unlock()
	_, ok := m.associations[topLevel][issuer]
	return ok, nil
}

func (m *Memory) CountTokens(_ context.Context, issuer trusttoken.Origin) (int, error) {
	it := m.issuer(issuer)
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.tokens), nil
}

func (m *Memory) PruneStaleIssuerState(_ context.Context, issuer trusttoken.Origin, keys []proto.VerificationKey) error {
	valid := keySet(keys)
	it := m.issuer(issuer)
	it.mu.Lock()
	defer it.mu.Unlock()
	kept := it.tokens[:0]
	for _, tok := range it.tokens {
		if _, ok := valid[string(tok.SigningKey)]; ok {
			kept = append(kept, tok)
		}
	}
	it.tokens = kept
	return nil
}

func (m *Memory) AddTokens(_ context.Context, issuer trusttoken.Origin, tokens [][]byte, issuingKey []byte) error {
	it := m.issuer(issuer)
	it.mu.Lock()
	defer it.mu.Unlock()
	for _, tok := range tokens[:headroom(len(it.tokens), len(tokens))] {
		it.tokens = append(it.tokens, proto.StoredToken{
			Body:       append([]byte(nil), tok...),
			SigningKey: append([]byte(nil), issuingKey...),
		})
	}
	return nil
}

func (m *Memory) Tokens(_ context.Context, issuer trusttoken.Origin) ([]proto.StoredToken, error) {
	it := m.issuer(issuer)
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]proto.StoredToken(nil), it.tokens...), nil
}

func (m *Memory) ClearIssuer(_ context.Context, issuer trusttoken.Origin) error {
	it := m.issuer(issuer)
	it.mu.Lock()
	defer it.mu.Unlock()
	it.tokens = nil
	return nil
}

func (m *Memory) Close() error {
	return nil
}
