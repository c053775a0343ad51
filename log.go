package minitime

import (
	"context"
	"log/slog"
)

// nopLogger is a logger that discards all output. Used when a logger is
// not configured.
var nopLogger = slog.New(discardHandler{})

// NopLogger returns the shared discard logger.
func NopLogger() *slog.Logger { return nopLogger }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
