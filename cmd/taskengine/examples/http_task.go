// Package examples provides reference ExecuteFunc implementations for
// the demo binary; callers embedding the engine library write their
// own, but a worked example saves everyone from rediscovering the
// same connection-pooling/tracing boilerplate the teacher's HTTP
// plugin already worked out.
package examples

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/engine"
)

// HTTPTask builds an engine.ExecuteFunc that performs one HTTP request
// and returns the parsed JSON response (or raw body) as the task
// result, demoted from a full plugin registry to a single reusable
// closure since task-type dispatch is the caller's job, not the
// core's (spec §1 Non-goals).
type HTTPTask struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    map[string]any

	client *http.Client
	tracer trace.Tracer
}

// NewHTTPTask returns an HTTPTask with the teacher's pooled transport
// defaults (idle connection reuse tuned for many short-lived calls).
func NewHTTPTask(method, url string) *HTTPTask {
	return &HTTPTask{
		Method: method,
		URL:    url,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer: otel.Tracer("taskmesh-http-task"),
	}
}

// Execute adapts to engine.ExecuteFunc.
func (h *HTTPTask) Execute(ctx context.Context, task engine.Task, rc *engine.RunContext) (engine.ExecuteResult, error) {
	ctx, span := h.tracer.Start(ctx, "http_task.execute", trace.WithAttributes(
		attribute.String("url", h.URL),
		attribute.String("task_id", task.ID),
	))
	defer span.End()

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if h.Body != nil {
		encoded, err := json.Marshal(h.Body)
		if err != nil {
			return engine.ExecuteResult{}, fmt.Errorf("marshal body: %w", err)
		}
		body = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, body)
	if err != nil {
		return engine.ExecuteResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	req.Header.Set("User-Agent", "taskmesh-engine/1.0")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return engine.ExecuteResult{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return engine.ExecuteResult{}, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		return engine.ExecuteResult{}, fmt.Errorf("http %d: %s", resp.StatusCode, raw)
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(raw) > 0 {
		var parsed map[string]any
		if json.Unmarshal(raw, &parsed) == nil {
			result = parsed
			result["status_code"] = resp.StatusCode
		} else {
			result["body"] = string(raw)
		}
	}
	return engine.ExecuteResult{Result: result}, nil
}

type propagation struct{ h http.Header }

func (p propagation) Get(key string) string { return p.h.Get(key) }
func (p propagation) Set(key, value string) { p.h.Set(key, value) }
func (p propagation) Keys() []string {
	keys := make([]string, 0, len(p.h))
	for k := range p.h {
		keys = append(keys, k)
	}
	return keys
}
