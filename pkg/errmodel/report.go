package errmodel

import (
	"context"
	"log/slog"
)

// Logic error codes raised by the store runtime.
const (
	CodeMissingState        = "missing_state"
	CodeMissingElement      = "missing_element"
	CodeOffMain             = "off_main"
	CodeDeadScope           = "dead_scope"
	CodeSendAfterClose      = "send_after_close"
	CodeUnhandledError      = "unhandled_error"
	CodeSendAfterCompletion = "send_after_completion"
	CodeLeakedEffects       = "leaked_effects"
	CodeThrottleMismatch    = "throttle_type_mismatch"
)

// Reporter receives runtime warnings.
type Reporter interface {
	Report(ctx context.Context, err *Error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, err *Error)

func (f ReporterFunc) Report(ctx context.Context, err *Error) { f(ctx, err) }

// LogReporter writes every report as a warning on logger.
func LogReporter(logger *slog.Logger) Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return ReporterFunc(func(ctx context.Context, err *Error) {
		if err == nil {
			return
		}
		attrs := []any{
			slog.String("category", err.Category),
			slog.String("code", err.Code),
		}
		for k, v := range err.Context {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.WarnContext(ctx, err.Message, attrs...)
	})
}

// Discard drops every report.
var Discard Reporter = ReporterFunc(func(context.Context, *Error) {})
