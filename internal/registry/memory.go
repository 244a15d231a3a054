package registry

import (
	"context"
	"sort"
	"sync"

	"deployer/internal/apperrors"

	"github.com/opencontainers/go-digest"
)

// Memory is an in-process Registry. It backs tests and local development
// (mem:// registry refs); every environment ref maps to its own namespace
// within a shared store, mirroring per-environment registries.
type Memory struct {
	mu       sync.RWMutex
	blobs    map[digest.Digest][]byte
	tags     map[string]digest.Digest
	denyPush string // non-empty: publishes and tags fail with this reason
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		blobs: make(map[digest.Digest][]byte),
		tags:  make(map[string]digest.Digest),
	}
}

// DenyWrites makes subsequent Publish/Tag calls fail with an authorization
// error carrying the given reason. Used to exercise denied-push paths.
func (m *Memory) DenyWrites(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denyPush = reason
}

// Publish stores the bytes under their content digest and repoints tags.
func (m *Memory) Publish(ctx context.Context, data []byte, tags ...string) (digest.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.denyPush != "" {
		return "", apperrors.Denied("registry", m.denyPush)
	}

	d := digest.FromBytes(data)
	if _, exists := m.blobs[d]; !exists {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.blobs[d] = stored
	}
	for _, tag := range tags {
		if tag != "" {
			m.tags[tag] = d
		}
	}
	return d, nil
}

// Pull returns a copy of the bytes for a digest.
func (m *Memory) Pull(ctx context.Context, d digest.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[d]
	if !ok {
		return nil, apperrors.NotFound("digest", d.String())
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ResolveTag returns the digest a tag points at.
func (m *Memory) ResolveTag(ctx context.Context, tag string) (digest.Digest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.tags[tag]
	if !ok {
		return "", apperrors.NotFound("tag", tag)
	}
	return d, nil
}

// Tags lists all tags pointing at a digest, sorted.
func (m *Memory) Tags(ctx context.Context, d digest.Digest) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.blobs[d]; !ok {
		return nil, apperrors.NotFound("digest", d.String())
	}
	var tags []string
	for tag, target := range m.tags {
		if target == d {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// Tag points a tag at an existing digest.
func (m *Memory) Tag(ctx context.Context, d digest.Digest, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.denyPush != "" {
		return apperrors.Denied("registry", m.denyPush)
	}
	if _, ok := m.blobs[d]; !ok {
		return apperrors.NotFound("digest", d.String())
	}
	m.tags[tag] = d
	return nil
}

// Ready reports readiness for health probes. Always ready.
func (m *Memory) Ready(ctx context.Context) error {
	return nil
}

// Delete removes a digest and its tags, simulating retention expiry.
func (m *Memory) Delete(d digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, d)
	for tag, target := range m.tags {
		if target == d {
			delete(m.tags, tag)
		}
	}
}
