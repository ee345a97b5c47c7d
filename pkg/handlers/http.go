package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

// HTTPHandler performs an HTTP request. Config: {url, method?, headers?,
// body?}. A response status >= 400 is a failed result; otherwise the
// result carries {statusCode, data}.
type HTTPHandler struct {
	Client *http.Client
}

func (h HTTPHandler) Execute(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
	url, _ := step.Config["url"].(string)
	if url == "" {
		return interpreter.HandlerResult{}, fmt.Errorf("http step requires a url")
	}

	method, _ := step.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body, ok := step.Config["body"]; ok && body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return interpreter.HandlerResult{}, fmt.Errorf("encode http body: %w", err)
			}
			bodyReader = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return interpreter.HandlerResult{}, fmt.Errorf("build http request: %w", err)
	}

	if headers, ok := step.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return interpreter.HandlerResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return interpreter.HandlerResult{}, fmt.Errorf("read http response: %w", err)
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
	}

	if resp.StatusCode >= 400 {
		return interpreter.HandlerResult{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}

	return interpreter.HandlerResult{
		Output: workflow.State{
			"statusCode": resp.StatusCode,
			"data":       data,
		},
	}, nil
}
