package runlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func mustApply(t *testing.T, state *model.RunState, patches ...model.Patch) {
	t.Helper()
	for _, p := range patches {
		require.NoError(t, apply(state, p))
	}
}

func TestApplyRootFields(t *testing.T) {
	state := model.NewRunState()
	mustApply(t, state,
		model.Patch{Path: "/id", Value: "r1"},
		model.Patch{Path: "/name", Value: "run"},
		model.Patch{Path: "/type", Value: "chain"},
		model.Patch{Path: "/tags", Value: []any{"a", "b"}},
	)

	assert.Equal(t, "r1", state.ID)
	assert.Equal(t, "run", state.Name)
	assert.Equal(t, model.CategoryChain, state.Type)
	assert.Equal(t, []string{"a", "b"}, state.Tags)
}

func TestApplyRootSnapshot(t *testing.T) {
	state := model.NewRunState()
	mustApply(t, state, model.Patch{Path: "", Value: map[string]any{
		"id":              "r1",
		"name":            "run",
		"type":            "chain",
		"streamed_output": []any{},
		"final_output":    nil,
		"logs": map[string]any{
			"a": map[string]any{"id": "s1", "name": "a", "type": "llm"},
		},
	}})

	assert.Equal(t, "r1", state.ID)
	require.Contains(t, state.Logs, "a")
	assert.Equal(t, "s1", state.Logs["a"].ID)
	assert.Equal(t, model.CategoryLLM, state.Logs["a"].Type)
}

func TestApplyMetadataMergesKeywise(t *testing.T) {
	state := model.NewRunState()
	mustApply(t, state,
		model.Patch{Path: "/logs/a", Value: map[string]any{"id": "s1"}},
		model.Patch{Path: "/logs/a/metadata", Value: map[string]any{"x": 1.0, "text": "he"}},
		model.Patch{Path: "/logs/a/metadata", Value: map[string]any{"y": 2.0, "text": "llo"}},
	)

	md := state.Logs["a"].Metadata
	assert.Equal(t, 1.0, md["x"])
	assert.Equal(t, 2.0, md["y"])
	assert.Equal(t, "hello", md["text"])
}

func TestApplyStreamedOutputAppendAndReplace(t *testing.T) {
	state := model.NewRunState()
	mustApply(t, state,
		model.Patch{Path: "/logs/a", Value: map[string]any{"id": "s1"}},
		model.Patch{Path: "/logs/a/streamed_output/-", Value: "c1"},
		model.Patch{Path: "/logs/a/streamed_output/-", Value: "c2"},
	)
	assert.Equal(t, []any{"c1", "c2"}, state.Logs["a"].StreamedOutput)

	mustApply(t, state, model.Patch{Path: "/logs/a/streamed_output", Value: []any{}})
	assert.Empty(t, state.Logs["a"].StreamedOutput)
}

func TestApplyFinalOutputAccumulates(t *testing.T) {
	state := model.NewRunState()
	mustApply(t, state,
		model.Patch{Path: "/final_output", Value: map[string]any{"output": "par"}},
		model.Patch{Path: "/final_output", Value: map[string]any{"output": "tial"}},
	)
	assert.Equal(t, map[string]any{"output": "partial"}, state.FinalOutput)

	// A type change degrades to replace.
	mustApply(t, state, model.Patch{Path: "/final_output", Value: "flat"})
	assert.Equal(t, "flat", state.FinalOutput)
}

func TestApplyEndTime(t *testing.T) {
	state := model.NewRunState()
	mustApply(t, state,
		model.Patch{Path: "/logs/a", Value: map[string]any{"id": "s1", "end_time": nil}},
	)
	assert.False(t, state.Logs["a"].Ended())

	mustApply(t, state, model.Patch{Path: "/logs/a/end_time", Value: "2026-01-02T03:04:05Z"})
	require.True(t, state.Logs["a"].Ended())
	assert.Equal(t, "2026-01-02T03:04:05Z", *state.Logs["a"].EndTime)
}

func TestApplyRejectsUnknownField(t *testing.T) {
	state := model.NewRunState()
	assert.Error(t, apply(state, model.Patch{Path: "/bogus", Value: 1}))
	assert.Error(t, apply(state, model.Patch{Path: "/logs/a/bogus", Value: 1}))
}

func TestApplyRejectsWrongTypes(t *testing.T) {
	state := model.NewRunState()
	assert.Error(t, apply(state, model.Patch{Path: "/id", Value: 42}))
	assert.Error(t, apply(state, model.Patch{Path: "/tags", Value: "not-a-list"}))
	assert.Error(t, apply(state, model.Patch{Path: "/inputs", Value: []any{"not", "a", "map"}}))
}

func TestLogSegment(t *testing.T) {
	for path, want := range map[string]string{
		"/logs/a/id":                "a",
		"/logs/step-2/end_time":     "step-2",
		"/logs/x/streamed_output/-": "x",
		"/logs/y":                   "y",
	} {
		seg, ok := model.Patch{Path: path}.LogSegment()
		require.True(t, ok, path)
		assert.Equal(t, want, seg)
	}

	for _, path := range []string{"/id", "/final_output", "/logs", "/logs/", ""} {
		_, ok := model.Patch{Path: path}.LogSegment()
		assert.False(t, ok, path)
	}
}
