//
// Tencent is pleased to support the open source community by making trpc-codex-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package event

// MergeUsage overlays b onto a: numeric counters present in both are added,
// everything else is right-biased. Used to accumulate usage across turns.
func MergeUsage(a, b map[string]any) map[string]any {
	if len(b) == 0 {
		return copyUsage(a)
	}
	out := copyUsage(a)
	if out == nil {
		out = make(map[string]any, len(b))
	}
	for k, bv := range b {
		if av, ok := out[k]; ok {
			if sum, ok := addValues(av, bv); ok {
				out[k] = sum
				continue
			}
		}
		out[k] = bv
	}
	return out
}

// applyUsageEvent folds one usage-bearing event into the current usage map.
//
// With a non-empty usage snapshot the snapshot wins per key; delta keys not
// covered by the snapshot are added onto the current numeric value (or taken
// verbatim when the current value is absent or non-numeric). With only a
// delta, counters are added. An empty-but-present snapshot copies current
// state; nothing at all leaves it untouched.
func applyUsageEvent(cur, usage, delta map[string]any) map[string]any {
	switch {
	case len(usage) > 0:
		base := overlay(cur, usage)
		for k, dv := range delta {
			if _, covered := usage[k]; covered {
				continue
			}
			if cv, ok := base[k]; ok {
				if sum, ok := addValues(cv, dv); ok {
					base[k] = sum
					continue
				}
			}
			base[k] = dv
		}
		return base
	case delta != nil:
		return MergeUsage(cur, delta)
	case usage != nil:
		return overlay(cur, usage)
	default:
		return cur
	}
}

// overlay copies a and writes every key of b over it.
func overlay(a, b map[string]any) map[string]any {
	out := copyUsage(a)
	if out == nil {
		out = make(map[string]any, len(b))
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func copyUsage(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// addValues adds two numeric values, keeping integer arithmetic when both
// sides are integers. Returns false when either side is non-numeric.
func addValues(a, b any) (any, bool) {
	ai, aIsInt := toInt64(a)
	bi, bIsInt := toInt64(b)
	if aIsInt && bIsInt {
		return ai + bi, true
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if !aok || !bok {
		return nil, false
	}
	return af + bf, true
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
