package artifact

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "artifacts.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Should assign increasing versions per name", func(t *testing.T) {
				s := open(t)
				a1, err := s.Put(ctx, Draft{Name: "knn_model", Kind: "model", Payload: []byte("v1")})
				require.NoError(t, err)
				a2, err := s.Put(ctx, Draft{Name: "knn_model", Kind: "model", Payload: []byte("v2")})
				require.NoError(t, err)
				other, err := s.Put(ctx, Draft{Name: "raw_iris_dataset", Kind: "dataset", Payload: []byte("d")})
				require.NoError(t, err)

				assert.Equal(t, uint64(1), a1.Version)
				assert.Equal(t, uint64(2), a2.Version)
				assert.Equal(t, uint64(1), other.Version)
				assert.Equal(t, Digest([]byte("v2")), a2.Digest)
			})

			t.Run("Should return latest or pinned version", func(t *testing.T) {
				s := open(t)
				_, err := s.Put(ctx, Draft{Name: "m", Kind: "model", Payload: []byte("one"), ProducedBy: "train"})
				require.NoError(t, err)
				_, err = s.Put(ctx, Draft{Name: "m", Kind: "model", Payload: []byte("two")})
				require.NoError(t, err)

				latest, err := s.Get(ctx, "m", Latest)
				require.NoError(t, err)
				assert.Equal(t, uint64(2), latest.Version)
				assert.Equal(t, []byte("two"), latest.Payload)

				first, err := s.Get(ctx, "m", 1)
				require.NoError(t, err)
				assert.Equal(t, []byte("one"), first.Payload)
				assert.Equal(t, "train", first.ProducedBy)

				versions, err := s.Versions(ctx, "m")
				require.NoError(t, err)
				assert.Equal(t, []uint64{1, 2}, versions)
			})

			t.Run("Should fail with ErrNotFound for unknown name or version", func(t *testing.T) {
				s := open(t)
				_, err := s.Get(ctx, "missing", Latest)
				assert.ErrorIs(t, err, ErrNotFound)

				_, err = s.Put(ctx, Draft{Name: "m", Kind: "model", Payload: []byte("x")})
				require.NoError(t, err)
				_, err = s.Get(ctx, "m", 7)
				assert.ErrorIs(t, err, ErrNotFound)

				_, err = s.Versions(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("Should commit drafts atomically", func(t *testing.T) {
				s := open(t)
				_, err := s.Commit(ctx, []Draft{
					{Name: "train", Kind: "dataset", Payload: []byte("a")},
					{Name: "", Kind: "dataset", Payload: []byte("b")},
				})
				require.Error(t, err)

				names, err := s.Names(ctx)
				require.NoError(t, err)
				assert.Empty(t, names)

				out, err := s.Commit(ctx, []Draft{
					{Name: "train", Kind: "dataset", Payload: []byte("a")},
					{Name: "test", Kind: "dataset", Payload: []byte("b")},
				})
				require.NoError(t, err)
				require.Len(t, out, 2)

				names, err = s.Names(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"test", "train"}, names)
			})

			t.Run("Should keep committed payloads unchanged when callers write to them", func(t *testing.T) {
				s := open(t)
				draft := []byte("41")
				out, err := s.Commit(ctx, []Draft{{Name: "seed", Kind: "blob", Payload: draft}})
				require.NoError(t, err)
				draft[0] = 'x'
				out[0].Payload[0] = 'y'

				got, err := s.Get(ctx, "seed", 1)
				require.NoError(t, err)
				got.Payload[0] = '9'

				again, err := s.Get(ctx, "seed", Latest)
				require.NoError(t, err)
				assert.Equal(t, []byte("41"), again.Payload)
				assert.Equal(t, Digest(again.Payload), again.Digest)
			})

			t.Run("Should recall the outputs remembered for a fingerprint", func(t *testing.T) {
				s := open(t)
				_, err := s.Recall(ctx, "fp-1")
				assert.ErrorIs(t, err, ErrNotFound)

				a, err := s.Put(ctx, Draft{Name: "raw_iris_dataset", Kind: "dataset", Payload: []byte("d")})
				require.NoError(t, err)
				require.NoError(t, s.Remember(ctx, "fp-1", map[string]Ref{"raw": a.ID()}))

				refs, err := s.Recall(ctx, "fp-1")
				require.NoError(t, err)
				assert.Equal(t, map[string]Ref{"raw": {Name: "raw_iris_dataset", Version: 1}}, refs)

				require.NoError(t, s.Remember(ctx, "fp-1", map[string]Ref{"raw": {Name: "raw_iris_dataset", Version: 2}}))
				refs, err = s.Recall(ctx, "fp-1")
				require.NoError(t, err)
				assert.Equal(t, uint64(2), refs["raw"].Version)

				names, err := s.Names(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"raw_iris_dataset"}, names)
			})

			t.Run("Should not interleave concurrent puts", func(t *testing.T) {
				s := open(t)
				const writers = 16
				var wg sync.WaitGroup
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := s.Put(ctx, Draft{Name: "shared", Kind: "blob", Payload: []byte{byte(i)}})
						assert.NoError(t, err)
					}()
				}
				wg.Wait()

				versions, err := s.Versions(ctx, "shared")
				require.NoError(t, err)
				require.Len(t, versions, writers)
				for i, v := range versions {
					assert.Equal(t, uint64(i+1), v)
				}
			})
		})
	}
}

func TestMemoryStore_LatestIsHighestProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewMemoryStore()
		ctx := context.Background()
		names := []string{"a", "b", "c"}
		highest := map[string]uint64{}

		n := rapid.IntRange(1, 60).Draw(t, "puts")
		for i := 0; i < n; i++ {
			name := rapid.SampledFrom(names).Draw(t, "name")
			payload := rapid.SliceOfN(rapid.Byte(), 0, 8).Draw(t, "payload")
			a, err := s.Put(ctx, Draft{Name: name, Kind: "blob", Payload: payload})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if a.Version <= highest[name] {
				t.Fatalf("version %d not above %d for %s", a.Version, highest[name], name)
			}
			highest[name] = a.Version
		}

		for name, want := range highest {
			got, err := s.Get(ctx, name, Latest)
			if err != nil {
				t.Fatalf("get %s: %v", name, err)
			}
			if got.Version != want {
				t.Fatalf("latest %s = %d, want %d", name, got.Version, want)
			}
		}
	})
}
