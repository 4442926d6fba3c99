package cdptest

import (
	"encoding/json"
	"time"
)

// EvaluateValue is a Runtime.evaluate result carrying value by value.
func EvaluateValue(value any) map[string]any {
	return map[string]any{
		"result": map[string]any{
			"type":  remoteType(value),
			"value": value,
		},
	}
}

// EvaluateUndefined is a Runtime.evaluate result for an undefined value.
func EvaluateUndefined() map[string]any {
	return map[string]any{
		"result": map[string]any{"type": "undefined"},
	}
}

// EvaluateException is a Runtime.evaluate result reporting a thrown error.
func EvaluateException(description string) map[string]any {
	return map[string]any{
		"result": map[string]any{
			"type":        "object",
			"subtype":     "error",
			"className":   "Error",
			"description": description,
		},
		"exceptionDetails": map[string]any{
			"exceptionId":  1,
			"text":         "Uncaught",
			"lineNumber":   0,
			"columnNumber": 0,
			"exception": map[string]any{
				"type":        "object",
				"subtype":     "error",
				"description": description,
			},
		},
	}
}

// EchoParams answers with the request's own params as the result.
func EchoParams(req Request) Reply {
	var params any
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	return Reply{Result: map[string]any{"echo": params, "id": req.ID}}
}

// ConsoleEvent builds Runtime.consoleAPICalled params with string arguments.
func ConsoleEvent(kind string, at time.Time, args ...any) map[string]any {
	remoteArgs := make([]map[string]any, 0, len(args))
	for _, arg := range args {
		remoteArgs = append(remoteArgs, map[string]any{
			"type":  remoteType(arg),
			"value": arg,
		})
	}
	return map[string]any{
		"type":               kind,
		"args":               remoteArgs,
		"executionContextId": 1,
		"timestamp":          float64(at.UnixNano()) / float64(time.Millisecond),
	}
}

func remoteType(v any) string {
	switch v.(type) {
	case nil:
		return "object"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, float64, float32, int32:
		return "number"
	default:
		return "object"
	}
}
