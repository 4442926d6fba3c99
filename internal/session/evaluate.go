package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/standardbeagle/vaultbridge/internal/devtools"
)

// Evaluate runs expression in the page and returns its value serialized by
// value. undefined yields nil; values JSON cannot carry (NaN, Infinity,
// bigint) come back as a JSON string of their literal. A thrown exception
// fails with ErrEvaluation carrying the remote description.
func (s *Session) Evaluate(ctx context.Context, expression string, awaitPromise bool) (json.RawMessage, error) {
	raw, err := s.Call(ctx, devtools.MethodRuntimeEvaluate, devtools.EvaluateParams{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  awaitPromise,
	})
	if err != nil {
		return nil, err
	}

	var res devtools.EvaluateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &devtools.Error{Kind: devtools.KindTransport, Method: devtools.MethodRuntimeEvaluate, Detail: "decode result", Err: err}
	}
	if res.ExceptionDetails != nil {
		return nil, &devtools.Error{Kind: devtools.KindEvaluation, Detail: res.ExceptionDetails.Description()}
	}
	return remoteValue(res.Result), nil
}

func remoteValue(obj devtools.RemoteObject) json.RawMessage {
	if obj.UnserializableValue != "" {
		quoted, _ := json.Marshal(obj.UnserializableValue)
		return quoted
	}
	if obj.Type == "undefined" || len(obj.Value) == 0 {
		return nil
	}
	return obj.Value
}

// EvaluateAs evaluates expression and decodes the value into T. An undefined
// result leaves T at its zero value.
func EvaluateAs[T any](ctx context.Context, s *Session, expression string, awaitPromise bool) (T, error) {
	var out T
	raw, err := s.Evaluate(ctx, expression, awaitPromise)
	if err != nil || raw == nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode evaluation result as %T: %w", out, err)
	}
	return out, nil
}

// Image formats accepted by CaptureImage.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
)

// CaptureImage captures the page and returns the base64 encoded image.
// format defaults to png; quality (0-100) only applies to jpeg and webp.
func (s *Session) CaptureImage(ctx context.Context, format string, quality *int) (string, error) {
	switch format {
	case "":
		format = FormatPNG
	case FormatPNG, FormatJPEG, FormatWebP:
	default:
		return "", fmt.Errorf("unsupported image format %q (want png, jpeg or webp)", format)
	}
	params := devtools.ScreenshotParams{Format: format}
	if quality != nil {
		if *quality < 0 || *quality > 100 {
			return "", fmt.Errorf("image quality %d out of range 0-100", *quality)
		}
		if format != FormatPNG {
			params.Quality = quality
		}
	}

	raw, err := s.Call(ctx, devtools.MethodCaptureScreenshot, params)
	if err != nil {
		return "", err
	}
	var res devtools.ScreenshotResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", &devtools.Error{Kind: devtools.KindTransport, Method: devtools.MethodCaptureScreenshot, Detail: "decode result", Err: err}
	}
	return res.Data, nil
}

// EnsureSetup evaluates script once per connection under name. Later calls
// with the same name are no-ops until the connection is closed or lost.
func (s *Session) EnsureSetup(ctx context.Context, name, script string) error {
	if s.setupDone(name) {
		return nil
	}

	_, err, _ := s.flight.Do("setup:"+name, func() (any, error) {
		tr, err := s.ready(ctx)
		if err != nil {
			return nil, err
		}
		if s.setupDone(name) {
			return nil, nil
		}
		if _, err := s.Evaluate(ctx, script, true); err != nil {
			return nil, fmt.Errorf("setup %s: %w", name, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.transport == tr {
			s.setup[name] = true
			s.logger.Debug("setup done", zap.String("name", name))
		}
		return nil, nil
	})
	return err
}

func (s *Session) setupDone(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && s.setup[name]
}
