// Package artifact archives consent artifacts (signature and selfie images)
// for the compliance document renderer. Archival runs after the owning record
// committed; the stored record, not the archive, is the source of truth.
package artifact

import (
	"context"
	"path"
	"sync"
)

type Kind string

const (
	KindRequest  Kind = "request"
	KindDelivery Kind = "delivery"
)

// Bundle is the set of artifacts of one sealed record.
type Bundle struct {
	TenantID      string
	Kind          Kind
	ID            string
	Signature     []byte
	Selfie        []byte
	IntegrityHash string
}

type Archiver interface {
	Archive(ctx context.Context, b Bundle) error
}

// Key returns the object key of one artifact part:
// prefix/tenant/kind/id/part.
func Key(prefix string, b Bundle, part string) string {
	return path.Join(prefix, b.TenantID, string(b.Kind), b.ID, part)
}

// Noop discards bundles.
type Noop struct{}

func (Noop) Archive(context.Context, Bundle) error { return nil }

// Memory keeps archived objects in a map, keyed like S3Archive.
type Memory struct {
	mu      sync.Mutex
	Prefix  string
	objects map[string][]byte
}

func NewMemory(prefix string) *Memory {
	return &Memory{Prefix: prefix, objects: make(map[string][]byte)}
}

func (m *Memory) Archive(_ context.Context, b Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for part, data := range parts(b) {
		m.objects[Key(m.Prefix, b, part)] = append([]byte{}, data...)
	}
	return nil
}

func (m *Memory) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func parts(b Bundle) map[string][]byte {
	out := make(map[string][]byte, 2)
	if len(b.Signature) > 0 {
		out["signature"] = b.Signature
	}
	if len(b.Selfie) > 0 {
		out["selfie"] = b.Selfie
	}
	return out
}
