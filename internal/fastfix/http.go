package fastfix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/diagmend/internal/repairsvc"
)

const (
	defaultTimeout = 10 * time.Second
	serviceName    = "fast fixer"
)

const fixResponseSchema = `{
  "type": "object",
  "required": ["fixedCode"],
  "properties": {
    "fixedCode": {"type": "string"},
    "changed": {"type": "boolean"},
    "durationMs": {"type": "number", "minimum": 0}
  }
}`

type HTTPConfig struct {
	BaseURL string
	Path    string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPClient calls a remote fixer over the {code,error,stepIndex?,simId?}
// contract.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	schema *jsonschema.Schema
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fastfix: base url is required")
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/fix"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	schema, err := repairsvc.CompileSchema("fix_response.json", fixResponseSchema)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{cfg: cfg, client: &http.Client{Timeout: 0}, schema: schema}, nil
}

type fixResponse struct {
	FixedCode  string  `json:"fixedCode"`
	Changed    bool    `json:"changed"`
	DurationMS float64 `json:"durationMs"`
}

func (c *HTTPClient) Fix(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	url := c.cfg.BaseURL + c.cfg.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, &repairsvc.UnreachableError{URL: url, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, &repairsvc.UnreachableError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	var out fixResponse
	if err := repairsvc.DecodeResponse(serviceName, resp, c.schema, &out); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(out.FixedCode) == "" {
		return Result{}, repairsvc.ErrEmptyResponse
	}
	d := time.Duration(out.DurationMS * float64(time.Millisecond))
	if d <= 0 {
		d = time.Since(start)
	}
	return Result{
		Code:     out.FixedCode,
		Changed:  out.Changed || out.FixedCode != req.Code,
		Duration: d,
	}, nil
}
