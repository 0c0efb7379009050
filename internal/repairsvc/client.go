// Package repairsvc is the client for the remote AI repair service: a
// reachability probe followed by a repair call that turns (bad code, error)
// into a candidate fix.
package repairsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	defaultHealthTimeout = 90 * time.Second
	defaultRepairTimeout = 100 * time.Second
	maxResponseBytes     = 8 << 20
	serviceName          = "repair service"
)

type Config struct {
	BaseURL       string
	HealthPath    string
	RepairPath    string
	HealthTimeout time.Duration
	RepairTimeout time.Duration
	Headers       map[string]string
}

// RepairRequest is the body of a repair call.
type RepairRequest struct {
	Code            string `json:"code"`
	Error           string `json:"error"`
	Context         string `json:"context,omitempty"`
	StepIndex       *int   `json:"stepIndex"`
	AttemptNumber   int    `json:"attemptNumber"`
	PreviousWorking string `json:"previousWorking,omitempty"`
	SimID           string `json:"simId,omitempty"`
}

type repairResponse struct {
	FixedCode string `json:"fixedCode"`
	Error     string `json:"error"`
}

const repairResponseSchema = `{
  "type": "object",
  "properties": {
    "fixedCode": {"type": "string"},
    "error": {"type": ["string", "null"]}
  },
  "anyOf": [{"required": ["fixedCode"]}, {"required": ["error"]}]
}`

type Client struct {
	cfg    Config
	client *http.Client
	schema *jsonschema.Schema
}

func New(cfg Config) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("repairsvc: base url is required")
	}
	if strings.TrimSpace(cfg.HealthPath) == "" {
		cfg.HealthPath = "/health"
	}
	if strings.TrimSpace(cfg.RepairPath) == "" {
		cfg.RepairPath = "/repair"
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.RepairTimeout <= 0 {
		cfg.RepairTimeout = defaultRepairTimeout
	}
	schema, err := CompileSchema("repair_response.json", repairResponseSchema)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: 0}, schema: schema}, nil
}

// Health probes the service. Any transport failure, non-2xx status or a
// body reporting a non-ok status yields an *UnreachableError.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &UnreachableError{URL: url, Err: err}
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return &UnreachableError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UnreachableError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if status := healthStatus(body); status != "" && status != "ok" && status != "healthy" {
		return &UnreachableError{URL: url, Err: fmt.Errorf("status %q", status)}
	}
	return nil
}

// healthStatus extracts the reported status from a JSON ({"status": "ok"})
// or plain-text body. Empty means the body did not say.
func healthStatus(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var payload struct {
		Status string `json:"status"`
		OK     *bool  `json:"ok"`
	}
	if json.Unmarshal(trimmed, &payload) == nil {
		if payload.OK != nil && !*payload.OK {
			return "fail"
		}
		return strings.ToLower(strings.TrimSpace(payload.Status))
	}
	return strings.ToLower(string(trimmed))
}

// Repair asks the service for a candidate fix. The returned code is never
// empty on a nil error.
func (c *Client) Repair(ctx context.Context, r RepairRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RepairTimeout)
	defer cancel()

	body, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	url := c.cfg.BaseURL + c.cfg.RepairPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &UnreachableError{URL: url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &UnreachableError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	var out repairResponse
	if err := DecodeResponse(serviceName, resp, c.schema, &out); err != nil {
		return "", err
	}
	if msg := strings.TrimSpace(out.Error); msg != "" {
		return "", &ServiceError{Service: serviceName, StatusCode: resp.StatusCode, Message: msg, Retryable: true}
	}
	if strings.TrimSpace(out.FixedCode) == "" {
		return "", ErrEmptyResponse
	}
	return out.FixedCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// CompileSchema compiles a JSON schema document held in memory.
func CompileSchema(name, doc string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// DecodeResponse reads a bounded JSON body, maps non-2xx statuses to
// *ServiceError, validates the body against schema and decodes it into out.
// An empty 2xx body yields ErrEmptyResponse.
func DecodeResponse(service string, resp *http.Response, schema *jsonschema.Schema, out any) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &UnreachableError{URL: resp.Request.URL.String(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ErrorFromHTTPStatus(service, resp.StatusCode, errorMessage(raw))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ErrEmptyResponse
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ServiceError{Service: service, StatusCode: resp.StatusCode, Message: "invalid json: " + err.Error()}
	}
	if schema != nil {
		if err := schema.Validate(doc); err != nil {
			return &ServiceError{Service: service, StatusCode: resp.StatusCode, Message: "response schema validation failed: " + err.Error()}
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ServiceError{Service: service, StatusCode: resp.StatusCode, Message: err.Error()}
	}
	return nil
}

func errorMessage(raw []byte) string {
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		switch e := payload.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// IsTimeout reports whether err came from an expired request deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
