package minhash

import (
	"iter"

	"minhash-go/internal/errclass"
)

// Once wraps seq so that it can be ranged over a single time. Later ranges
// yield one ErrNotSupported error.
func Once[T any](seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	used := false
	return func(yield func(T, error) bool) {
		if used {
			var zero T
			yield(zero, errclass.ErrNotSupported.WithMessage("iterator already consumed"))
			return
		}
		used = true
		seq(yield)
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
