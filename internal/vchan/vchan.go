// Package vchan contains helpers for context-aware channel operations
// between a kernel goroutine and its callers.
package vchan

import (
	"context"
	"log/slog"
)

// SendC sends val on ch, returning true if the send happened
// or false if ctx was canceled first.
// desc is only used for logging on cancellation.
func SendC[T any](ctx context.Context, log *slog.Logger, ch chan<- T, val T, desc string) bool {
	select {
	case <-ctx.Done():
		log.Debug("Context canceled while sending", "desc", desc, "cause", context.Cause(ctx))
		return false
	case ch <- val:
		return true
	}
}

// RecvC receives from ch, returning the value and true,
// or the zero value and false if ctx was canceled first.
func RecvC[T any](ctx context.Context, log *slog.Logger, ch <-chan T, desc string) (T, bool) {
	select {
	case <-ctx.Done():
		log.Debug("Context canceled while receiving", "desc", desc, "cause", context.Cause(ctx))
		var zero T
		return zero, false
	case val := <-ch:
		return val, true
	}
}

// ReqResp sends req on reqCh and then waits for a value on respCh.
// respCh should be buffered so the responder never blocks.
func ReqResp[Q, R any](
	ctx context.Context, log *slog.Logger,
	reqCh chan<- Q, req Q,
	respCh <-chan R,
	desc string,
) (R, bool) {
	if !SendC(ctx, log, reqCh, req, desc+": sending request") {
		var zero R
		return zero, false
	}
	return RecvC(ctx, log, respCh, desc+": receiving response")
}
