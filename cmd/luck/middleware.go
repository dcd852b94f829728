package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
)

// handlerFunc runs one terminal command and reports whether the session
// should continue.
type handlerFunc func(ctx context.Context, cmd, arg string) bool

type middlewareFunc func(next handlerFunc) handlerFunc

// chain wraps h so the first middleware runs outermost.
func chain(h handlerFunc, mw ...middlewareFunc) handlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// loggingMiddleware logs every command.
func loggingMiddleware() middlewareFunc {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, cmd, arg string) bool {
			log.Debug().
				Str("command", cmd).
				Str("arg", arg).
				Msg("Received command")
			return next(ctx, cmd, arg)
		}
	}
}

// recoveryMiddleware keeps the session alive when a command panics.
func recoveryMiddleware(out io.Writer) middlewareFunc {
	return func(next handlerFunc) handlerFunc {
		return func(ctx context.Context, cmd, arg string) (cont bool) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("command", cmd).
						Msg("Recovered from panic in command")
					fmt.Fprintln(out, "Internal error, please try again.")
					cont = true
				}
			}()
			return next(ctx, cmd, arg)
		}
	}
}
