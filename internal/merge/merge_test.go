package merge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombineIdentity(t *testing.T) {
	for _, v := range []any{
		"chunk",
		42,
		3.5,
		[]any{"a", "b"},
		map[string]any{"k": "v"},
	} {
		assert.Equal(t, v, Combine(nil, v))
		assert.Equal(t, v, Combine(v, nil))
	}
	assert.Nil(t, Combine(nil, nil))
}

func TestCombineScalars(t *testing.T) {
	assert.Equal(t, "foobar", Combine("foo", "bar"))
	assert.Equal(t, 3, Combine(1, 2))
	assert.Equal(t, int64(3), Combine(int64(1), int64(2)))
	assert.Equal(t, 3.5, Combine(1.5, 2.0))
	// Mixed numeric widths promote to float64.
	assert.Equal(t, 3.5, Combine(1, 2.5))
}

func TestCombineOverrideOnMismatch(t *testing.T) {
	assert.Equal(t, "a", Combine(1, "a"))
	assert.Equal(t, 7, Combine("a", 7))
	assert.Equal(t, map[string]any{"k": 1}, Combine([]any{"x"}, map[string]any{"k": 1}))
	assert.Equal(t, true, Combine(false, true))
}

func TestCombineSequencesConcatenate(t *testing.T) {
	got := Combine([]any{"a"}, []any{"b", "c"})
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestCombineMappingUnion(t *testing.T) {
	a := map[string]any{"x": 1, "shared": "foo"}
	b := map[string]any{"y": 2, "shared": "bar"}

	got, ok := Combine(a, b).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, got["x"])
	assert.Equal(t, 2, got["y"])
	assert.Equal(t, "foobar", got["shared"])

	// Operands are not mutated.
	assert.Equal(t, "foo", a["shared"])
	assert.Equal(t, "bar", b["shared"])
}

func TestCombineMappingNilKeyFill(t *testing.T) {
	a := map[string]any{"k": nil, "kept": "a"}
	b := map[string]any{"k": "v", "kept": nil}

	got := Combine(a, b).(map[string]any)
	assert.Equal(t, "v", got["k"])
	assert.Equal(t, "a", got["kept"])
}

func TestCombineMappingRecursive(t *testing.T) {
	a := map[string]any{"nested": map[string]any{"text": "foo", "n": 1}}
	b := map[string]any{"nested": map[string]any{"text": "bar", "extra": true}}

	got := Combine(a, b).(map[string]any)
	nested := got["nested"].(map[string]any)
	assert.Equal(t, "foobar", nested["text"])
	assert.Equal(t, 1, nested["n"])
	assert.Equal(t, true, nested["extra"])
}

func TestCombineMappingValueMismatchOverrides(t *testing.T) {
	a := map[string]any{"k": 1}
	b := map[string]any{"k": "replaced"}
	got := Combine(a, b).(map[string]any)
	assert.Equal(t, "replaced", got["k"])
}

func TestFold(t *testing.T) {
	assert.Nil(t, Fold(nil))
	assert.Nil(t, Fold([]any{}))
	assert.Equal(t, "abc", Fold([]any{"a", "b", "c"}))
	assert.Equal(t, 6, Fold([]any{1, 2, 3}))
}

func TestFoldChan(t *testing.T) {
	ch := make(chan any, 3)
	ch <- map[string]any{"out": "he"}
	ch <- map[string]any{"out": "llo"}
	ch <- map[string]any{"done": true}
	close(ch)

	got, err := FoldChan(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"out": "hello", "done": true}, got)
}

func TestFoldChanEmpty(t *testing.T) {
	ch := make(chan any)
	close(ch)
	got, err := FoldChan(context.Background(), ch)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFoldChanCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FoldChan(ctx, make(chan any))
	assert.ErrorIs(t, err, context.Canceled)
}
