package telemetry

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

type HTTPSinkConfig struct {
	BaseURL      string
	AttemptsPath string
	FailuresPath string
	Headers      map[string]string
}

// HTTPSink posts one JSON document per record. Each request carries an
// Idempotency-Key derived from the body.
type HTTPSink struct {
	cfg    HTTPSinkConfig
	client *http.Client
}

func NewHTTPSink(cfg HTTPSinkConfig) (*HTTPSink, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("telemetry: http base url is required")
	}
	if strings.TrimSpace(cfg.AttemptsPath) == "" {
		cfg.AttemptsPath = "/telemetry/attempts"
	}
	if strings.TrimSpace(cfg.FailuresPath) == "" {
		cfg.FailuresPath = "/telemetry/failures"
	}
	return &HTTPSink{cfg: cfg, client: &http.Client{}}, nil
}

func (s *HTTPSink) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	return s.post(ctx, s.cfg.AttemptsPath, rec)
}

func (s *HTTPSink) ReportFailure(ctx context.Context, rep FailureReport) error {
	return s.post(ctx, s.cfg.FailuresPath, rep)
}

func (s *HTTPSink) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	sum := blake3.Sum256(body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", hex.EncodeToString(sum[:16]))
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry %s: status %d", path, resp.StatusCode)
	}
	return nil
}
