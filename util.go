package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// translateCtxErr maps a context failure onto the store error taxonomy while
// keeping the original error matchable through errors.Is.
func translateCtxErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}

// lookupPath walks a decoded JSON object along a dotted field path.
func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}

		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// matchValue compares a decoded JSON value against a caller-supplied filter
// value. JSON numbers decode to float64, so the comparison goes through the
// printed form to keep int filters matching numeric fields.
func matchValue(stored, want any) bool {
	if stored == want {
		return true
	}

	return fmt.Sprint(stored) == fmt.Sprint(want)
}

// compareValues orders two decoded JSON values, numerically when both are
// numbers, lexically otherwise.
func compareValues(a, b any) int {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func Map[In any, Out any](list []In, mapFn func(val In) Out) []Out {
	var newSlice = make([]Out, len(list))
	for i, val := range list {
		newSlice[i] = mapFn(val)
	}

	return newSlice
}

func Filter[T any](slice []T, filterFunc func(val T) bool) []T {
	var newSlice []T
	for i, val := range slice {
		if filterFunc(val) {
			newSlice = append(newSlice, slice[i])
		}
	}

	return newSlice
}

func SliceContains[T comparable](list []T, val T) bool {
	for _, item := range list {
		if item == val {
			return true
		}
	}

	return false
}
