package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type prediction struct {
	Labels []int
}

func TestFingerprint(t *testing.T) {
	t.Run("Should be stable for equal inputs", func(t *testing.T) {
		a, err := Fingerprint("predict", "knn_model@1", [][]float64{{1, 2}})
		require.NoError(t, err)
		b, err := Fingerprint("predict", "knn_model@1", [][]float64{{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("Should differ by state key and function", func(t *testing.T) {
		a, _ := Fingerprint("predict", "knn_model@1", 1)
		b, _ := Fingerprint("predict", "knn_model@2", 1)
		c, _ := Fingerprint("score", "knn_model@1", 1)
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("Should fail for unserialisable args", func(t *testing.T) {
		_, err := Fingerprint("predict", "k", make(chan int))
		assert.Error(t, err)
	})
}

func TestMemoize(t *testing.T) {
	calls := 0
	predict := Memoize("predict", func(_ context.Context, _ *Worker, _ string, rows [][]float64) (*prediction, error) {
		calls++
		out := &prediction{}
		for range rows {
			out.Labels = append(out.Labels, calls)
		}
		return out, nil
	})

	t.Run("Should return the identical cached object on the same worker", func(t *testing.T) {
		calls = 0
		p := testPool(t, baseConfig())

		var first, second *prediction
		require.NoError(t, p.Do(context.Background(), func(ctx context.Context, w *Worker) error {
			var err error
			first, err = predict(ctx, w, "knn_model@1", [][]float64{{1, 2}})
			return err
		}))
		require.NoError(t, p.Do(context.Background(), func(ctx context.Context, w *Worker) error {
			var err error
			second, err = predict(ctx, w, "knn_model@1", [][]float64{{1, 2}})
			hits, misses := w.Cache().Stats()
			assert.Equal(t, uint64(1), hits)
			assert.Equal(t, uint64(1), misses)
			return err
		}))

		assert.Same(t, first, second)
		assert.Equal(t, 1, calls)
	})

	t.Run("Should recompute on a different worker", func(t *testing.T) {
		calls = 0
		cfg := baseConfig()
		cfg.Replicas = 2
		p := testPool(t, cfg)

		var results []*prediction
		var workers []string
		for i := 0; i < 2; i++ {
			require.NoError(t, p.Do(context.Background(), func(ctx context.Context, w *Worker) error {
				r, err := predict(ctx, w, "knn_model@1", [][]float64{{1, 2}})
				results = append(results, r)
				workers = append(workers, w.ID())
				return err
			}))
		}

		require.NotEqual(t, workers[0], workers[1])
		assert.NotSame(t, results[0], results[1])
		assert.Equal(t, 2, calls)
	})

	t.Run("Should not cache errors", func(t *testing.T) {
		fails := 0
		flaky := Memoize("flaky", func(_ context.Context, _ *Worker, _ string, _ int) (int, error) {
			fails++
			if fails == 1 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})
		p := testPool(t, baseConfig())
		require.NoError(t, p.Do(context.Background(), func(ctx context.Context, w *Worker) error {
			_, err := flaky(ctx, w, "s", 1)
			assert.Error(t, err)
			v, err := flaky(ctx, w, "s", 1)
			assert.Equal(t, 42, v)
			return err
		}))
	})
}

func TestCache_Eviction(t *testing.T) {
	t.Run("Should evict least recently used entries past the bound", func(t *testing.T) {
		c, err := newCache(2, nil)
		require.NoError(t, err)

		c.Add("a", 1)
		c.Add("b", 2)
		_, ok := c.Get("a")
		require.True(t, ok)
		c.Add("c", 3)

		_, ok = c.Get("b")
		assert.False(t, ok)
		_, ok = c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("Should fall back to the default size", func(t *testing.T) {
		c, err := newCache(0, nil)
		require.NoError(t, err)
		for i := 0; i < DefaultCacheSize+10; i++ {
			c.Add(time.Duration(i).String(), i)
		}
		assert.Equal(t, DefaultCacheSize, c.Len())
	})
}
