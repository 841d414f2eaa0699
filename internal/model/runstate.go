package model

// Category is a run's type tag. The tag decides which input/output
// extraction rule applies when deriving lifecycle events.
type Category string

const (
	CategoryChain     Category = "chain"
	CategoryTool      Category = "tool"
	CategoryLLM       Category = "llm"
	CategoryRetriever Category = "retriever"
	CategoryPrompt    Category = "prompt"
	CategoryParser    Category = "parser"
)

// Legacy reports whether the category uses the flat input/output event
// shape. Everything else is a new-style chain whose inputs mapping carries
// a single "input" key and whose final output nests under "output".
func (c Category) Legacy() bool {
	switch c {
	case CategoryRetriever, CategoryTool, CategoryLLM:
		return true
	}
	return false
}

// LogEntry is the cumulative state of one run: the root run or a sub-run
// tracked under the logs mapping. Fields are only added or merged, never
// deleted, except through the explicit Take/Drain consume operations.
type LogEntry struct {
	// ID is assigned by the producer before the entry first appears and
	// never changes afterwards.
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type Category `json:"type"`

	Tags     []string       `json:"tags"`
	Metadata map[string]any `json:"metadata"`

	// Inputs may be absent until known; producers of streaming runs often
	// learn them only at the end of the stream.
	Inputs map[string]any `json:"inputs,omitempty"`

	// FinalOutput is present only once the run completes.
	FinalOutput any `json:"final_output,omitempty"`

	// StreamedOutput holds only unflushed chunks; it is drained after each
	// stream event so every chunk is surfaced exactly once.
	StreamedOutput []any `json:"streamed_output"`

	// EndTime transitions nil to non-nil exactly once.
	EndTime *string `json:"end_time"`
}

// Ended reports whether the run has completed.
func (e *LogEntry) Ended() bool {
	return e.EndTime != nil
}

// DrainStream returns the buffered streamed-output chunks and clears the
// buffer.
func (e *LogEntry) DrainStream() []any {
	chunks := e.StreamedOutput
	e.StreamedOutput = nil
	return chunks
}

// TakeInputs returns the accumulated inputs and frees the slot. The
// at-most-once emission contract for inputs hangs on this being the only
// way event data reads them destructively.
func (e *LogEntry) TakeInputs() map[string]any {
	in := e.Inputs
	e.Inputs = nil
	return in
}

// TakeFinalOutput returns the final output and frees the slot.
func (e *LogEntry) TakeFinalOutput() any {
	out := e.FinalOutput
	e.FinalOutput = nil
	return out
}

// RunState is the full run-state tree: the root run's own entry plus the
// mapping of sub-run entries keyed by their stable path segment. It is
// owned by exactly one translation session and mutated only by folding
// patches in, so it needs no locking.
type RunState struct {
	LogEntry

	Logs map[string]*LogEntry `json:"logs"`
}

// NewRunState returns an empty tree ready to accumulate patches.
func NewRunState() *RunState {
	return &RunState{Logs: make(map[string]*LogEntry)}
}

// Entry returns the sub-run entry for segment, creating it if absent.
func (s *RunState) Entry(segment string) *LogEntry {
	e, ok := s.Logs[segment]
	if !ok {
		e = &LogEntry{}
		s.Logs[segment] = e
	}
	return e
}
