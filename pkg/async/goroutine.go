package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery, timeout enforcement, and error logging. Use this instead
// of a bare `go func()` for fire-and-forget work.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, log *logrus.Logger, fn func(context.Context) error) {
	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			log.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Batch processes items concurrently with at most `workers` goroutines,
// collecting per-item errors. Panics inside fn are contained per item.
func Batch[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}
	errs := make([]error, len(items))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &PanicError{Value: r, Stack: string(debug.Stack())}
				}
			}()
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	g.Wait()

	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

// PanicError wraps a recovered panic from a batch item.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return "panic in batch item"
}
