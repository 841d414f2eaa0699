// Package model defines the core domain types for Kiroku.
//
// A run-state tree is reconstructed incrementally from a stream of patches
// produced by an external tracer. Types use strong typing where the wire
// format allows it and fall back to `any` only for producer-controlled
// payloads (inputs, outputs, streamed chunks).
package model

import "strings"

// LogsPrefix is the path prefix under which sub-run entries live.
const LogsPrefix = "/logs/"

// Patch is a single structural add/replace operation against the run-state
// tree. Path is slash-delimited: "/<field>..." addresses a root field,
// "/logs/<segment>/<field>..." a sub-run field, and a trailing "/-" appends
// to a list field. Patches arrive in emission order and are never reordered.
type Patch struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// LogSegment returns the sub-run path segment addressed by the patch, if
// any. Returns ok=false for root-field patches.
func (p Patch) LogSegment() (string, bool) {
	rest, found := strings.CutPrefix(p.Path, LogsPrefix)
	if !found || rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, rest != ""
}
