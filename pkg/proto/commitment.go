package proto

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DecodeKeyCommitment converts a published document into a KeyCommitment.
// Expired keys and entries with undecodable material are skipped; the
// returned commitment may therefore carry no keys.
func DecodeKeyCommitment(doc KeyCommitmentDocument, now time.Time) (*KeyCommitment, error) {
	if strings.TrimSpace(doc.ProtocolVersion) == "" {
		return nil, fmt.Errorf("key commitment missing protocol_version")
	}
	labels := make([]string, 0, len(doc.Keys))
	for label := range doc.Keys {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labelLess(labels[i], labels[j])
	})

	out := &KeyCommitment{
		ProtocolVersion: doc.ProtocolVersion,
		ID:              doc.ID,
		BatchSize:       doc.BatchSize,
		Keys:            make([]VerificationKey, 0, len(labels)),
	}
	for _, label := range labels {
		entry := doc.Keys[label]
		body, err := base64.StdEncoding.DecodeString(strings.TrimSpace(entry.Y))
		if err != nil || len(body) == 0 {
			continue
		}
		expiry, err := parseExpiryMicros(entry.Expiry)
		if err != nil {
			continue
		}
		key := VerificationKey{Body: body, Expiry: expiry}
		if key.Expired(now) {
			continue
		}
		out.Keys = append(out.Keys, key)
	}
	return out, nil
}

// EncodeKeyCommitment is the inverse of DecodeKeyCommitment. Keys are
// labelled by their position.
func EncodeKeyCommitment(c KeyCommitment) KeyCommitmentDocument {
	doc := KeyCommitmentDocument{
		ProtocolVersion: c.ProtocolVersion,
		ID:              c.ID,
		BatchSize:       c.BatchSize,
		Keys:            make(map[string]KeyCommitmentEntry, len(c.Keys)),
	}
	for i, k := range c.Keys {
		expiry := ""
		if !k.Expiry.IsZero() {
			expiry = strconv.FormatInt(k.Expiry.UnixMicro(), 10)
		}
		doc.Keys[strconv.Itoa(i)] = KeyCommitmentEntry{
			Y:      base64.StdEncoding.EncodeToString(k.Body),
			Expiry: expiry,
		}
	}
	return doc
}

// labelLess orders numeric labels by value so that positional labels keep
// their published order; other labels sort after them as strings.
func labelLess(a, b string) bool {
	ai, aErr := strconv.ParseUint(a, 10, 64)
	bi, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return a < b
}

func parseExpiryMicros(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid key expiry %q: %w", raw, err)
	}
	return time.UnixMicro(micros), nil
}
