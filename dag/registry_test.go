package dag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, Inputs) (Outputs, error) { return Outputs{}, nil }

func TestRegistry_Register(t *testing.T) {
	t.Run("Should resolve a registered task", func(t *testing.T) {
		r := NewRegistry()
		def := NewTask("train").Input("dataset", "dataset").Output("model", "model").
			Resources("2", "2Gi").Run(noop).Build()
		require.NoError(t, r.Register(def))

		got, err := r.Resolve("train")
		require.NoError(t, err)
		assert.Equal(t, "train", got.Name)
		assert.Equal(t, Resources{CPU: "2", Memory: "2Gi"}, got.Resources)
		assert.Equal(t, []string{"train"}, r.Names())
	})

	t.Run("Should fail with ErrNotFound for unknown task", func(t *testing.T) {
		_, err := NewRegistry().Resolve("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Should accept re-registration with the same schema", func(t *testing.T) {
		r := NewRegistry()
		def := NewTask("t").Input("x", KindInt).Run(noop).Build()
		require.NoError(t, r.Register(def))
		require.NoError(t, r.Register(NewTask("t").Input("x", KindInt).Timeout(5).Run(noop).Build()))

		got, err := r.Resolve("t")
		require.NoError(t, err)
		assert.EqualValues(t, 5, got.Timeout)
	})

	t.Run("Should reject re-registration with an incompatible schema", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(NewTask("t").Input("x", KindInt).Run(noop).Build()))
		err := r.Register(NewTask("t").Input("x", "dataset").Run(noop).Build())
		assert.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("Should reject invalid definitions", func(t *testing.T) {
		r := NewRegistry()
		cases := map[string]Definition{
			"no name":          NewTask("").Run(noop).Build(),
			"no run":           NewTask("t").Build(),
			"retry without id": NewTask("t").Retries(2).Run(noop).Build(),
			"duplicate input":  NewTask("t").Input("x", KindInt).Input("x", KindInt).Run(noop).Build(),
			"kindless output":  NewTask("t").Output("y", "").Run(noop).Build(),
			"cache no outputs": NewTask("t").Cache("1").Run(noop).Build(),
		}
		for name, def := range cases {
			assert.ErrorIs(t, r.Register(def), ErrInvalidTask, name)
		}
	})

	t.Run("Should panic in MustRegister on invalid definition", func(t *testing.T) {
		assert.Panics(t, func() { NewRegistry().MustRegister(NewTask("").Build()) })
	})
}
