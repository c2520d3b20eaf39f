// Package commitment provides KeyCommitmentGetter implementations: a pinned
// in-memory registry and an HTTP fetcher for issuers' published commitments.
package commitment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/proto"
)

// Static serves commitments registered ahead of time.
type Static struct {
	mu          sync.RWMutex
	commitments map[trusttoken.Origin]*proto.KeyCommitment
	now         func() time.Time
}

func NewStatic() *Static {
	return &Static{
		commitments: make(map[trusttoken.Origin]*proto.KeyCommitment),
		now:         time.Now,
	}
}

func (s *Static) Set(issuer trusttoken.Origin, c *proto.KeyCommitment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		delete(s.commitments, issuer)
		return
	}
	s.commitments[issuer] = c
}

// LoadFile registers the commitment document stored at path for issuer.
func (s *Static) LoadFile(issuer trusttoken.Origin, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key commitment %s: %w", path, err)
	}
	var doc proto.KeyCommitmentDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode key commitment %s: %w", path, err)
	}
	c, err := proto.DecodeKeyCommitment(doc, time.Time{})
	if err != nil {
		return fmt.Errorf("key commitment %s: %w", path, err)
	}
	s.Set(issuer, c)
	return nil
}

// Get returns the registered commitment without keys that expired since it
// was registered. Unknown issuers yield nil.
func (s *Static) Get(_ context.Context, issuer trusttoken.Origin) (*proto.KeyCommitment, error) {
	s.mu.RLock()
	c := s.commitments[issuer]
	s.mu.RUnlock()
	return withoutExpired(c, s.now()), nil
}

func withoutExpired(c *proto.KeyCommitment, now time.Time) *proto.KeyCommitment {
	if c == nil {
		return nil
	}
	out := *c
	out.Keys = make([]proto.VerificationKey, 0, len(c.Keys))
	for _, k := range c.Keys {
		if !k.Expired(now) {
			out.Keys = append(out.Keys, k)
		}
	}
	return &out
}

// Chain asks each getter in turn and returns the first non-nil commitment.
// An error from any getter ends the search.
type Chain []trusttoken.KeyCommitmentGetter

func (c Chain) Get(ctx context.Context, issuer trusttoken.Origin) (*proto.KeyCommitment, error) {
	for _, g := range c {
		commitment, err := g.Get(ctx, issuer)
		if err != nil {
			return nil, err
		}
		if commitment != nil {
			return commitment, nil
		}
	}
	return nil, nil
}
