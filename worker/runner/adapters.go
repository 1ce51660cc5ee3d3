package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/flowmesh/core/pkg/envelope"
	"github.com/flowmesh/core/worker/dispatch"
)

var titleCaser = cases.Title(language.English)

// paramsMap coerces an ExecutionContext's untyped Params into a map,
// treating anything else (nil, a non-map value) as empty.
func paramsMap(execCtx *dispatch.ExecutionContext) map[string]any {
	if m, ok := execCtx.Params.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// RegisterExamplePackage wires the demo/echo handlers (ported from
// `original_source/worker/packages/example_pkg/**`) into registry under
// the given package name/version, the bundled reference package every
// fresh worker config ships pointed at.
func RegisterExamplePackage(registry *Registry, pkg, version string) {
	registry.Register(pkg, version, "echo", EchoHandler, nil)
	registry.Register(pkg, version, "demo.loadConfig", LoadConfigHandler, nil)
	registry.Register(pkg, version, "demo.transformText", TransformTextHandler, nil)
	registry.Register(pkg, version, "demo.delay", DelayHandler, nil)
	registry.Register(pkg, version, "demo.sendNotification", SendNotificationHandler, nil)
	registry.Register(pkg, version, "demo.auditLog", AuditLogHandler, nil)
	registry.Register(pkg, version, "demo.feedbackShowcase", FeedbackShowcaseHandler, nil)
}

// EchoHandler returns params["message"] verbatim, ported from
// `example_pkg/echo.py`'s `async_run`.
func EchoHandler(_ context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	message := stringParam(paramsMap(execCtx), "message", "")
	return map[string]any{
		"status":  string(dispatch.StatusSucceeded),
		"outputs": map[string]any{"echo": message},
	}, nil
}

// LoadConfigHandler parses params["config"] as JSON, ported from
// `example_pkg/1.0.0/adapters/demo.py`'s `load_config`.
func LoadConfigHandler(_ context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	raw := stringParam(paramsMap(execCtx), "config", "{}")
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]any{
			"status": string(dispatch.StatusFailed),
			"outputs": map[string]any{
				"error": "invalid JSON: " + err.Error(),
			},
		}, nil
	}
	keyCount := 0
	if m, ok := parsed.(map[string]any); ok {
		keyCount = len(m)
	}
	return map[string]any{
		"status": string(dispatch.StatusSucceeded),
		"outputs": map[string]any{
			"config":   parsed,
			"keyCount": keyCount,
		},
	}, nil
}

// TransformTextHandler applies a simple case/reverse transform, ported
// from `demo.py`'s `transform_text`.
func TransformTextHandler(_ context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	params := paramsMap(execCtx)
	text := stringParam(params, "text", "")
	mode := strings.ToLower(stringParam(params, "mode", "uppercase"))

	output := text
	switch mode {
	case "uppercase":
		output = strings.ToUpper(text)
	case "lowercase":
		output = strings.ToLower(text)
	case "title":
		output = titleCaser.String(strings.ToLower(text))
	case "reverse":
		runes := []rune(text)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		output = string(runes)
	}
	return map[string]any{
		"status": string(dispatch.StatusSucceeded),
		"outputs": map[string]any{
			"output":      output,
			"modeApplied": mode,
		},
	}, nil
}

// DelayHandler sleeps for params["durationSeconds"], ported from
// `demo.py`'s `delay`.
func DelayHandler(ctx context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	duration := floatParam(paramsMap(execCtx), "durationSeconds", 0)
	if duration < 0 {
		duration = 0
	}
	start := time.Now()
	timer := time.NewTimer(time.Duration(duration * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{
		"status": string(dispatch.StatusSucceeded),
		"outputs": map[string]any{
			"durationSeconds": time.Since(start).Seconds(),
		},
	}, nil
}

// SendNotificationHandler simulates sending a notification, ported from
// `demo.py`'s `send_notification` (the original logs the payload rather
// than delivering it; no notification transport is in scope here either).
func SendNotificationHandler(_ context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	notificationID := uuid.NewString()
	return map[string]any{
		"status": string(dispatch.StatusSucceeded),
		"outputs": map[string]any{
			"notificationId": notificationID,
		},
	}, nil
}

// AuditLogHandler builds an audit entry describing the workflow event,
// ported from `demo.py`'s `audit_log`.
func AuditLogHandler(_ context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	params := paramsMap(execCtx)
	level := strings.ToUpper(stringParam(params, "level", "info"))
	message := stringParam(params, "message", "Workflow step completed.")
	entry := map[string]any{
		"level":   level,
		"message": message,
		"runId":   execCtx.RunID,
		"nodeId":  execCtx.NodeID,
		"package": execCtx.PackageName + "@" + execCtx.PackageVersion,
	}
	return map[string]any{
		"status":  string(dispatch.StatusSucceeded),
		"outputs": map[string]any{"entry": entry},
	}, nil
}

// FeedbackShowcaseHandler streams one biz.exec.feedback frame per
// character of params["prompt"], demonstrating progress/metrics/chunk
// reporting, ported from `demo.py`'s `feedback_showcase`.
func FeedbackShowcaseHandler(ctx context.Context, execCtx *dispatch.ExecutionContext) (map[string]any, error) {
	params := paramsMap(execCtx)
	prompt := stringParam(params, "prompt", "Hello from flowmesh!")
	delayMs := floatParam(params, "tokenDelayMs", 80)
	if delayMs < 0 {
		delayMs = 80
	}
	tokenDelay := time.Duration(delayMs) * time.Millisecond

	reporter := execCtx.Feedback
	tokens := []rune(prompt)
	total := len(tokens)
	if total == 0 {
		total = 1
	}

	if reporter != nil {
		progress := 0.02
		if err := reporter.Send(ctx, dispatch.FeedbackInput{
			Stage:    "initialising",
			Progress: &progress,
			Message:  "streaming tokens starting",
			Metrics:  map[string]any{"tokens_total": total},
		}); err != nil {
			return nil, err
		}
	}

	var assembled strings.Builder
	for i, token := range tokens {
		assembled.WriteRune(token)
		timer := time.NewTimer(tokenDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if reporter == nil {
			continue
		}
		streamed := i + 1
		fraction := float64(streamed) / float64(total)
		progress := 0.05 + 0.8*fraction
		if err := reporter.Send(ctx, dispatch.FeedbackInput{
			Stage:    "streaming",
			Progress: &progress,
			Chunks:   []envelope.FeedbackChunk{{Channel: "llm", Text: string(token)}},
			Metrics:  map[string]any{"tokens_streamed": streamed},
		}); err != nil {
			return nil, err
		}
	}

	summary := assembled.String()
	if reporter != nil {
		final := 1.0
		if err := reporter.Send(ctx, dispatch.FeedbackInput{
			Stage:    "succeeded",
			Progress: &final,
			Message:  "feedback demo complete",
		}); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"status": string(dispatch.StatusSucceeded),
		"outputs": map[string]any{
			"summary":    summary,
			"tokenCount": len(summary),
		},
	}, nil
}
