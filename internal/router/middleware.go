package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"timerbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs every request at debug and failures at warn. User
// mistakes are returned as *UserError and stay at debug.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Duration("dur", time.Since(start)),
			}
			switch {
			case err == nil:
				logger.Debug("request ok", fields...)
			case IsUserError(err):
				logger.Debug("request rejected", append(fields, logx.Err(err))...)
			default:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

// MWReplyError sends the text of a failed request back to the user.
// Internal errors get a generic reply so details stay in the log.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			text := "❌ something went wrong, try again later"
			if ue, ok := AsUserError(err); ok {
				text = "❌ " + ue.Msg
			}
			if rerr := req.Reply(ctx, text); rerr != nil && !req.Logger.IsZero() {
				req.Logger.Debug("error reply failed", logx.Err(rerr))
			}
			return err
		}
	}
}

// MWObserve reports the route and result of every request to fn.
func MWObserve(fn func(route string, err error)) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if fn != nil {
				fn(req.Command, err)
			}
			return err
		}
	}
}
