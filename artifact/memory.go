package artifact

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every version in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]Artifact // ascending by version
	cache    map[string]map[string]Ref
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]Artifact),
		cache:    make(map[string]map[string]Ref),
		now:      time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, d Draft) (Artifact, error) {
	out, err := s.Commit(ctx, []Draft{d})
	if err != nil {
		return Artifact{}, err
	}
	return out[0], nil
}

func (s *MemoryStore) Commit(ctx context.Context, drafts []Draft) ([]Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now().UTC()
	out := make([]Artifact, 0, len(drafts))
	for _, d := range drafts {
		history := s.versions[d.Name]
		next := uint64(1)
		if n := len(history); n > 0 {
			next = history[n-1].Version + 1
		}
		a := Artifact{
			Name:       d.Name,
			Version:    next,
			Kind:       d.Kind,
			Payload:    bytes.Clone(d.Payload),
			Digest:     Digest(d.Payload),
			ProducedBy: d.ProducedBy,
			CreatedAt:  created,
		}
		s.versions[d.Name] = append(history, a)
		out = append(out, a.clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string, version uint64) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.versions[name]
	if len(history) == 0 {
		return Artifact{}, notFound(name, version)
	}
	if version == Latest {
		return history[len(history)-1].clone(), nil
	}
	i := sort.Search(len(history), func(i int) bool { return history[i].Version >= version })
	if i == len(history) || history[i].Version != version {
		return Artifact{}, notFound(name, version)
	}
	return history[i].clone(), nil
}

func (s *MemoryStore) Versions(ctx context.Context, name string) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.versions[name]
	if len(history) == 0 {
		return nil, notFound(name, Latest)
	}
	out := make([]uint64, len(history))
	for i, a := range history {
		out[i] = a.Version
	}
	return out, nil
}

func (s *MemoryStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.versions))
	for name := range s.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Remember(ctx context.Context, fingerprint string, outputs map[string]Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[fingerprint] = maps.Clone(outputs)
	return nil
}

func (s *MemoryStore) Recall(ctx context.Context, fingerprint string) (map[string]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs, ok := s.cache[fingerprint]
	if !ok {
		return nil, noCacheEntry(fingerprint)
	}
	return maps.Clone(refs), nil
}

func (s *MemoryStore) Close() error { return nil }
