package model

// EventKind classifies the lifecycle transition a derived event reports.
type EventKind string

const (
	KindStart  EventKind = "start"
	KindStream EventKind = "stream"
	KindEnd    EventKind = "end"
)

// EventName builds the wire event name for a category and kind, following
// the fixed vocabulary "on_<category>_<kind>" (e.g. "on_chain_start",
// "on_llm_stream").
func EventName(c Category, k EventKind) string {
	return "on_" + string(c) + "_" + string(k)
}

// StreamEvent is one derived lifecycle event for the root run or a sub-run.
// Data carries kind-dependent keys: "input" for start, "chunk" for stream,
// "output" (and sometimes "input") for end.
type StreamEvent struct {
	Event    string         `json:"event"`
	Name     string         `json:"name"`
	RunID    string         `json:"run_id"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
	Data     map[string]any `json:"data"`
}
