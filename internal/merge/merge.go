// Package merge implements the addable combine operation used to fold a
// sequence of partial values into one cumulative value.
//
// Combine is total: when two values have no natural combination (type
// mismatch), the right-hand value wins silently. The override gives
// "replace" semantics to patches that change a field's type.
package merge

import "context"

// Combine folds b into a. A nil operand acts as the identity: the result is
// the other operand. Mappings combine key-wise (recursively, union of
// keys), sequences concatenate, strings concatenate, and numbers add.
// Anything else, or any type mismatch, resolves to b.
func Combine(a, b any) any {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	switch av := a.(type) {
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			return combineMaps(av, bv)
		}
	case []any:
		if bv, ok := b.([]any); ok {
			out := make([]any, 0, len(av)+len(bv))
			out = append(out, av...)
			return append(out, bv...)
		}
	case string:
		if bv, ok := b.(string); ok {
			return av + bv
		}
	default:
		if sum, ok := combineNumbers(a, b); ok {
			return sum
		}
	}
	return b
}

// combineMaps returns a new mapping with the union of keys. Shared keys
// combine recursively; a nil value on either side is filled from the other.
func combineMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		av, ok := out[k]
		switch {
		case !ok || av == nil:
			out[k] = bv
		case bv != nil:
			out[k] = Combine(av, bv)
		}
	}
	return out
}

// combineNumbers adds two numeric values, promoting to float64 when the
// operand types differ. JSON decoding yields float64, but values built in
// process may be int or int64.
func combineNumbers(a, b any) (any, bool) {
	switch av := a.(type) {
	case int:
		if bv, ok := b.(int); ok {
			return av + bv, true
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av + bv, true
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av + bv, true
		}
	default:
		return nil, false
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af + bf, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// Fold reduces an ordered sequence of addable values to a single cumulative
// value. Returns nil (the "no value" marker) for an empty sequence.
func Fold(values []any) any {
	var final any
	for _, v := range values {
		final = Combine(final, v)
	}
	return final
}

// FoldChan reduces values received from ch until the channel closes.
// Returns nil for an empty stream. Cancelling ctx abandons the fold and
// returns ctx's error.
func FoldChan(ctx context.Context, ch <-chan any) (any, error) {
	var final any
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case v, ok := <-ch:
			if !ok {
				return final, nil
			}
			final = Combine(final, v)
		}
	}
}
