// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-mpckit.
//
// go-mpckit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jeremyhahn/go-mpckit/pkg/correlation"
)

// Redacted replaces the value of a redacted field.
const Redacted = "[REDACTED]"

// DefaultRedactKeys names fields that carry key material. Matching
// ignores case, underscores and hyphens.
var DefaultRedactKeys = []string{
	"factorKey", "postboxKey", "metadataKey", "recoveryKey",
	"share", "tssShare", "seed", "secret", "privateKey", "idToken",
}

// SlogConfig configures NewSlogAdapter.
type SlogConfig struct {
	// Logger is used as is when set.
	Logger *slog.Logger

	Level Level

	// Handler is used when Logger is nil.
	Handler slog.Handler

	// Format is "json" or "text" for the default handler.
	Format string

	// Output of the default handler. Defaults to os.Stderr.
	Output io.Writer

	AddSource bool

	// RedactKeys overrides DefaultRedactKeys. An empty, non-nil slice
	// disables redaction.
	RedactKeys []string
}

// SlogAdapter implements Logger on log/slog. Context methods add the
// correlation id and operation carried by ctx.
type SlogAdapter struct {
	logger *slog.Logger
	redact map[string]bool
}

// NewSlogAdapter builds an adapter from config. A nil config logs text
// at info level to stderr.
func NewSlogAdapter(config *SlogConfig) *SlogAdapter {
	if config == nil {
		config = &SlogConfig{Level: LevelInfo}
	}
	keys := config.RedactKeys
	if keys == nil {
		keys = DefaultRedactKeys
	}
	redact := make(map[string]bool, len(keys))
	for _, k := range keys {
		redact[normalizeKey(k)] = true
	}
	return &SlogAdapter{logger: newSlogLogger(config), redact: redact}
}

func newSlogLogger(config *SlogConfig) *slog.Logger {
	if config.Logger != nil {
		return config.Logger
	}
	if config.Handler != nil {
		return slog.New(config.Handler)
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slogLevel(config.Level), AddSource: config.AddSource}
	if strings.EqualFold(config.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
}

func (l *SlogAdapter) Debug(msg string, fields ...Field) {
	l.emit(context.Background(), slog.LevelDebug, msg, fields)
}

func (l *SlogAdapter) Info(msg string, fields ...Field) {
	l.emit(context.Background(), slog.LevelInfo, msg, fields)
}

func (l *SlogAdapter) Warn(msg string, fields ...Field) {
	l.emit(context.Background(), slog.LevelWarn, msg, fields)
}

func (l *SlogAdapter) Error(msg string, fields ...Field) {
	l.emit(context.Background(), slog.LevelError, msg, fields)
}

func (l *SlogAdapter) DebugContext(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, slog.LevelDebug, msg, withContext(ctx, fields))
}

func (l *SlogAdapter) InfoContext(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, slog.LevelInfo, msg, withContext(ctx, fields))
}

func (l *SlogAdapter) WarnContext(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, slog.LevelWarn, msg, withContext(ctx, fields))
}

func (l *SlogAdapter) ErrorContext(ctx context.Context, msg string, fields ...Field) {
	l.emit(ctx, slog.LevelError, msg, withContext(ctx, fields))
}

func withContext(ctx context.Context, fields []Field) []Field {
	if ctx == nil {
		return fields
	}
	if id := correlation.GetCorrelationID(ctx); id != "" {
		fields = append(fields, String("correlation_id", id))
	}
	if op := correlation.GetOperation(ctx); op != "" {
		fields = append(fields, String("operation", op))
	}
	return fields
}

// With returns a child logger that adds fields to every record.
func (l *SlogAdapter) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, l.attr(f))
	}
	return &SlogAdapter{logger: l.logger.With(args...), redact: l.redact}
}

func (l *SlogAdapter) WithError(err error) Logger {
	return l.With(Error(err))
}

func (l *SlogAdapter) emit(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, len(fields))
	for i, f := range fields {
		attrs[i] = l.attr(f)
	}
	l.logger.LogAttrs(ctx, level, msg, attrs...)
}

func (l *SlogAdapter) attr(f Field) slog.Attr {
	if l.redact[normalizeKey(f.Key)] {
		return slog.String(f.Key, Redacted)
	}
	switch v := f.Value.(type) {
	case string:
		return slog.String(f.Key, v)
	case int:
		return slog.Int(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case bool:
		return slog.Bool(f.Key, v)
	}
	return slog.Any(f.Key, f.Value)
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
