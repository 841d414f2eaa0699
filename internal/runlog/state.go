// Package runlog reconstructs the execution state of a tree of nested runs
// from a stream of structural patches and derives a flat, ordered stream of
// lifecycle events from it.
package runlog

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kiroku/internal/merge"
	"github.com/ashita-ai/kiroku/internal/model"
)

// apply folds one patch into the tree. Paths are produced by a trusted
// tracer and are not defensively validated; a malformed path surfaces as an
// error that aborts the whole translation.
func apply(state *model.RunState, p model.Patch) error {
	if p.Path == "" {
		// The tracer opens its stream with a replace at the empty path
		// carrying the initial whole-state snapshot.
		return applySnapshot(state, p.Value)
	}
	segs := strings.Split(p.Path, "/")
	if len(segs) < 2 {
		return fmt.Errorf("runlog: malformed patch path %q", p.Path)
	}

	switch segs[1] {
	case "":
		// Path "/": a whole-state snapshot, merged field by field.
		return applySnapshot(state, p.Value)
	case "logs":
		if len(segs) == 2 {
			// "/logs" with a mapping of entries.
			m, ok := p.Value.(map[string]any)
			if !ok {
				return fmt.Errorf("runlog: /logs value is %T, want mapping", p.Value)
			}
			for seg, v := range m {
				if err := applyEntryValue(state.Entry(seg), v); err != nil {
					return err
				}
			}
			return nil
		}
		entry := state.Entry(segs[2])
		if len(segs) == 3 {
			// "/logs/<segment>" carries a whole entry snapshot.
			return applyEntryValue(entry, p.Value)
		}
		return setField(entry, segs[3], segs[4:], p.Value)
	default:
		return setField(&state.LogEntry, segs[1], segs[2:], p.Value)
	}
}

func applySnapshot(state *model.RunState, value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("runlog: root snapshot value is %T, want mapping", value)
	}
	for field, v := range m {
		if field == "logs" {
			logs, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("runlog: logs value is %T, want mapping", v)
			}
			for seg, ev := range logs {
				if err := applyEntryValue(state.Entry(seg), ev); err != nil {
					return err
				}
			}
			continue
		}
		if err := setField(&state.LogEntry, field, nil, v); err != nil {
			return err
		}
	}
	return nil
}

// applyEntryValue merges a whole-entry mapping (the shape the tracer posts
// when a sub-run is first created) into an entry.
func applyEntryValue(entry *model.LogEntry, value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("runlog: log entry value is %T, want mapping", value)
	}
	for field, v := range m {
		if err := setField(entry, field, nil, v); err != nil {
			return err
		}
	}
	return nil
}

// setField merges value into one named field of an entry. rest holds any
// path segments beyond the field name; the only supported trailing segment
// is the list-append marker "-".
func setField(entry *model.LogEntry, field string, rest []string, value any) error {
	if len(rest) > 1 || (len(rest) == 1 && rest[0] != "-") {
		return fmt.Errorf("runlog: unsupported path tail %q on field %q", strings.Join(rest, "/"), field)
	}
	appendOp := len(rest) == 1

	switch field {
	case "id":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		entry.ID = s
	case "name":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		entry.Name = s
	case "type":
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		entry.Type = model.Category(s)
	case "start_time":
		// Recorded by the tracer but not part of any derived event.
	case "tags":
		if appendOp {
			s, err := asString(field, value)
			if err != nil {
				return err
			}
			entry.Tags = append(entry.Tags, s)
			return nil
		}
		tags, err := asStringSlice(field, value)
		if err != nil {
			return err
		}
		entry.Tags = tags
	case "metadata":
		m, err := mergeMapField(field, entry.Metadata, value)
		if err != nil {
			return err
		}
		entry.Metadata = m
	case "inputs":
		m, err := mergeMapField(field, entry.Inputs, value)
		if err != nil {
			return err
		}
		entry.Inputs = m
	case "final_output":
		// Streaming producers replace final_output incrementally; folding
		// through Combine accumulates chunked mappings and degrades to
		// replace on any type mismatch.
		entry.FinalOutput = merge.Combine(entry.FinalOutput, value)
	case "streamed_output":
		if appendOp {
			entry.StreamedOutput = append(entry.StreamedOutput, value)
			return nil
		}
		list, err := asSlice(field, value)
		if err != nil {
			return err
		}
		entry.StreamedOutput = list
	case "end_time":
		if value == nil {
			entry.EndTime = nil
			return nil
		}
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		entry.EndTime = &s
	default:
		return fmt.Errorf("runlog: unknown field %q in patch path", field)
	}
	return nil
}

func asString(field string, value any) (string, error) {
	if value == nil {
		return "", nil
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("runlog: field %q: got %T, want string", field, value)
	}
	return s, nil
}

func asSlice(field string, value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("runlog: field %q: got %T, want list", field, value)
	}
	return list, nil
}

func asStringSlice(field string, value any) ([]string, error) {
	list, err := asSlice(field, value)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("runlog: field %q: element is %T, want string", field, v)
		}
		out = append(out, s)
	}
	return out, nil
}

func mergeMapField(field string, existing map[string]any, value any) (map[string]any, error) {
	if value == nil {
		return existing, nil
	}
	incoming, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("runlog: field %q: got %T, want mapping", field, value)
	}
	if existing == nil {
		return incoming, nil
	}
	merged, ok := merge.Combine(existing, incoming).(map[string]any)
	if !ok {
		return incoming, nil
	}
	return merged, nil
}
