package runlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// ErrChunkCount reports a violated streamed-output invariant: the tracer is
// expected to flush chunks one at a time, so finding any buffered count
// other than exactly one means the patch producer is broken. It is fatal
// and terminates the translation — never retried, never swallowed.
var ErrChunkCount = errors.New("runlog: expected exactly one streamed output chunk")

// EmitFunc receives each derived event in emission order. Returning an
// error stops the translation; blocking in it is the translator's
// backpressure.
type EmitFunc func(ctx context.Context, ev model.StreamEvent) error

// Translator owns one run-state tree and derives lifecycle events from the
// patch batches folded into it. It processes batches strictly one at a time
// with no internal concurrency, so it is not safe for concurrent use; all
// of its state lives for exactly one translation session.
type Translator struct {
	logger *slog.Logger

	state        *model.RunState
	startEmitted bool
	started      map[string]struct{}

	eventsEmitted metric.Int64Counter
}

// New creates a Translator with an empty run-state tree.
func New(logger *slog.Logger) *Translator {
	meter := telemetry.Meter("kiroku/runlog")
	counter, _ := meter.Int64Counter("kiroku.translator.events_emitted",
		metric.WithDescription("Derived lifecycle events emitted, by kind"))

	return &Translator{
		logger:        logger,
		state:         model.NewRunState(),
		started:       make(map[string]struct{}),
		eventsEmitted: counter,
	}
}

// Run consumes patch batches until the channel closes, folding each batch
// into the tree and emitting the events the resulting transitions imply.
// When the source ends it emits the unconditional final root end event and
// returns nil. Any error — invariant violation, malformed patch, cancelled
// ctx, emit failure — terminates the event stream immediately; no partial
// event is ever emitted mid-construction.
func (t *Translator) Run(ctx context.Context, patches <-chan []model.Patch, emit EmitFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-patches:
			if !ok {
				return t.finish(ctx, emit)
			}
			if err := t.processBatch(ctx, batch, emit); err != nil {
				return err
			}
		}
	}
}

// processBatch implements the per-batch pipeline: merge, root-start check,
// per-touched-sub-run classification and emission, root stream check.
func (t *Translator) processBatch(ctx context.Context, batch []model.Patch, emit EmitFunc) error {
	// The touch set is a set: emission order among sub-runs touched by the
	// same batch follows map iteration and is deliberately unspecified.
	// Only cross-batch order is guaranteed.
	touched := make(map[string]struct{})
	for _, p := range batch {
		if err := apply(t.state, p); err != nil {
			return err
		}
		if seg, ok := p.LogSegment(); ok {
			touched[seg] = struct{}{}
		}
	}

	// Root start fires at most once, as soon as the root has an id. Inputs
	// are not reliably known at this stage, so data stays empty.
	if !t.startEmitted && t.state.ID != "" {
		ev := model.StreamEvent{
			Event:    model.EventName(t.state.Type, model.KindStart),
			Name:     t.state.Name,
			RunID:    t.state.ID,
			Tags:     []string{},
			Metadata: map[string]any{},
			Data:     map[string]any{},
		}
		if err := t.emit(ctx, emit, model.KindStart, ev); err != nil {
			return err
		}
		t.startEmitted = true
	}

	for seg := range touched {
		entry := t.state.Logs[seg]
		if entry == nil || entry.ID == "" {
			// Not yet in the translator's awareness: a sub-run exists only
			// once its id is known.
			continue
		}
		if err := t.emitEntry(ctx, emit, seg, entry); err != nil {
			return err
		}
	}

	return t.emitRootStream(ctx, emit)
}

// emitEntry classifies one touched sub-run from its merged state and emits
// the corresponding event. A sub-run's start fires at most once: later
// batches that touch it without chunks or an end_time would otherwise
// re-classify it as starting.
func (t *Translator) emitEntry(ctx context.Context, emit EmitFunc, seg string, entry *model.LogEntry) error {
	var kind model.EventKind
	switch {
	case entry.Ended():
		kind = model.KindEnd
	case len(entry.StreamedOutput) > 0:
		kind = model.KindStream
	default:
		kind = model.KindStart
	}

	if _, ok := t.started[seg]; ok && kind == model.KindStart {
		return nil
	}
	t.started[seg] = struct{}{}

	data := map[string]any{}
	switch kind {
	case model.KindStart:
		if entry.Type.Legacy() {
			// Inputs usually aren't known yet for streaming-capable runs;
			// surface them when present, leaving them in place for the end
			// event.
			if len(entry.Inputs) > 0 {
				data["input"] = entry.Inputs
			}
		} else {
			data["input"] = entry.Inputs["input"]
		}

	case model.KindStream:
		chunk, err := t.takeChunk(entry)
		if err != nil {
			return err
		}
		data["chunk"] = chunk

	case model.KindEnd:
		if entry.Type.Legacy() {
			data["output"] = entry.TakeFinalOutput()
			if len(entry.Inputs) > 0 {
				data["input"] = entry.TakeInputs()
			}
		} else {
			switch out := entry.FinalOutput.(type) {
			case nil:
				data["output"] = nil
			case map[string]any:
				data["output"] = out["output"]
				entry.TakeFinalOutput()
			default:
				// Unrecognized final output shape: deliberately narrowed
				// away, no "output" key at all.
			}
			if in, ok := entry.Inputs["input"]; ok {
				data["input"] = in
				entry.TakeInputs()
			}
		}
	}

	ev := model.StreamEvent{
		Event:    model.EventName(entry.Type, kind),
		Name:     entry.Name,
		RunID:    entry.ID,
		Tags:     orEmptyTags(entry.Tags),
		Metadata: orEmptyMetadata(entry.Metadata),
		Data:     data,
	}
	return t.emit(ctx, emit, kind, ev)
}

// emitRootStream surfaces any buffered root-level chunk after the sub-run
// events for a batch.
func (t *Translator) emitRootStream(ctx context.Context, emit EmitFunc) error {
	if len(t.state.StreamedOutput) == 0 {
		return nil
	}
	chunk, err := t.takeChunk(&t.state.LogEntry)
	if err != nil {
		return err
	}
	ev := model.StreamEvent{
		Event:    model.EventName(t.state.Type, model.KindStream),
		Name:     t.state.Name,
		RunID:    t.state.ID,
		Tags:     orEmptyTags(t.state.Tags),
		Metadata: orEmptyMetadata(t.state.Metadata),
		Data:     map[string]any{"chunk": chunk},
	}
	return t.emit(ctx, emit, model.KindStream, ev)
}

// finish emits the final root end event. It is unconditional and fires
// exactly once, even when no patch ever set a final output. Tags and
// metadata are forced empty here regardless of accumulated values, and the
// output is narrowed by the root's category the same way a sub-run end is.
func (t *Translator) finish(ctx context.Context, emit EmitFunc) error {
	data := map[string]any{}
	if t.state.Type.Legacy() {
		data["output"] = t.state.FinalOutput
	} else {
		switch out := t.state.FinalOutput.(type) {
		case nil:
			data["output"] = nil
		case map[string]any:
			data["output"] = out["output"]
		default:
			// Unrecognized final output shape: narrowed away, no
			// "output" key at all.
		}
	}

	ev := model.StreamEvent{
		Event:    model.EventName(t.state.Type, model.KindEnd),
		Name:     t.state.Name,
		RunID:    t.state.ID,
		Tags:     []string{},
		Metadata: map[string]any{},
		Data:     data,
	}
	return t.emit(ctx, emit, model.KindEnd, ev)
}

// takeChunk drains the entry's stream buffer, enforcing the single-chunk
// invariant.
func (t *Translator) takeChunk(entry *model.LogEntry) (any, error) {
	chunks := entry.DrainStream()
	if len(chunks) != 1 {
		return nil, fmt.Errorf("%w: got %d in %q", ErrChunkCount, len(chunks), entry.Name)
	}
	return chunks[0], nil
}

func (t *Translator) emit(ctx context.Context, emit EmitFunc, kind model.EventKind, ev model.StreamEvent) error {
	if err := emit(ctx, ev); err != nil {
		return fmt.Errorf("runlog: emit %s: %w", ev.Event, err)
	}
	t.eventsEmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
	t.logger.Debug("runlog: event emitted", "event", ev.Event, "run_id", ev.RunID)
	return nil
}

func orEmptyTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func orEmptyMetadata(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}
