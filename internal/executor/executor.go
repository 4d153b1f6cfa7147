// Package executor is the boundary to the code that actually fetches a
// researcher's data. Whatever happens on the other side, callers only ever
// see a Result.
package executor

import (
	"context"
	"fmt"
	"runtime/debug"

	log "github.com/nadmax/scholarq/internal/logging"
	"github.com/nadmax/scholarq/internal/task"
)

type Result struct {
	Success bool
	// Output carries structured data on success.
	Output map[string]any
	Error  string
	// Identity is the exit identity the executor observed, when it knows it.
	Identity string
}

func Failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type Executor interface {
	Execute(ctx context.Context, t *task.Task) Result
}

type Func func(ctx context.Context, t *task.Task) Result

func (f Func) Execute(ctx context.Context, t *task.Task) Result {
	return f(ctx, t)
}

// Safe runs exec and converts a panic into a failed Result.
func Safe(ctx context.Context, exec Executor, t *task.Task) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"event": "executor_panic",
				"task":  t.Name,
				"stack": string(debug.Stack()),
			}).Error(r)
			res = Failure("executor panic: %v", r)
		}
	}()

	res = exec.Execute(ctx, t)
	if !res.Success && res.Error == "" {
		res.Error = "unknown error"
	}
	return res
}
