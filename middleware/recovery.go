package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/PhotizoAi/percolator-launch-sub002/monitoring"
)

// PanicError is a recovered panic. It is a programmer error and is never
// retried.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// SafeCall runs fn and converts a panic into a *PanicError.
func SafeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Guard wraps loop iterations and per-market work. A panic is logged with
// its stack, reported, and returned as an error so the caller can move on to
// the next market.
type Guard struct {
	logger   *zap.SugaredLogger
	reporter monitoring.ExceptionReporter
}

func NewGuard(logger *zap.SugaredLogger, reporter monitoring.ExceptionReporter) *Guard {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if reporter == nil {
		reporter = monitoring.NopReporter{}
	}
	return &Guard{logger: logger, reporter: reporter}
}

// Run executes fn for op. Ordinary errors pass through untouched.
func (g *Guard) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := SafeCall(func() error { return fn(ctx) })
	if pe, ok := err.(*PanicError); ok {
		g.logger.Errorw("Panic recovered",
			"op", op,
			"error", pe.Value,
			"stack", string(pe.Stack))
		g.reporter.Report(ctx, pe, map[string]interface{}{
			"op":    op,
			"stack": string(pe.Stack),
		})
	}
	return err
}
