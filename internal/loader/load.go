package loader

import (
	"context"
	"strings"
)

// Bytes is the identity transform
func Bytes(content []byte) ([]byte, error) {
	return content, nil
}

// Text decodes content as UTF-8, replacing invalid sequences
func Text(content []byte) (string, error) {
	return strings.ToValidUTF8(string(content), "�"), nil
}

// Load submits a handle for key and blocks until it completes, fails, or ctx is
// done. When ctx is done first the handle is cancelled.
func Load[T any](ctx context.Context, l *Loader, key string, transform func([]byte) (T, error)) (T, error) {
	type outcome struct {
		value T
		err   error
	}

	// At most one callback fires, so this never blocks
	done := make(chan outcome, 1)

	handle := NewHandle(l, key, transform)
	err := handle.SubmitWithFailure(
		func(value T) {
			done <- outcome{value: value}
		},
		func(err error) {
			done <- outcome{err: err}
		},
	)
	if err != nil {
		var empty T
		return empty, err
	}

	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		handle.Cancel()
		var empty T
		return empty, ctx.Err()
	}
}
