package kiroku

// Patch is one structural add/replace operation against a session's run
// state. It is the public mirror of the internal patch type: standalone, no
// internal package imports, safe to construct from outside the module.
//
// Path is slash-delimited: "/<field>" addresses a root-run field,
// "/logs/<segment>/<field>" a sub-run field, and a trailing "/-" appends to
// a list field.
type Patch struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// StreamEvent is one derived lifecycle event for the root run or a sub-run,
// named "on_<type>_<start|stream|end>". Data carries kind-dependent keys:
// "input" for start, "chunk" for stream, "output" (and sometimes "input")
// for end.
type StreamEvent struct {
	Event    string         `json:"event"`
	Name     string         `json:"name"`
	RunID    string         `json:"run_id"`
	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`
	Data     map[string]any `json:"data"`
}
