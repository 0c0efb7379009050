package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/danshapiro/diagmend/internal/config"
	"github.com/danshapiro/diagmend/internal/diagcache"
	"github.com/danshapiro/diagmend/internal/fastfix"
	"github.com/danshapiro/diagmend/internal/render"
	"github.com/danshapiro/diagmend/internal/repair"
	"github.com/danshapiro/diagmend/internal/repairsvc"
	"github.com/danshapiro/diagmend/internal/sanitize"
	"github.com/danshapiro/diagmend/internal/telemetry"
)

// stack is everything a heal needs, built from the configuration.
type stack struct {
	engine     *render.RodEngine
	cache      *diagcache.Cache
	controller *repair.Controller
	reporter   *telemetry.Reporter
	metrics    http.Handler
	closers    []func() error
}

func sanitizeOptions(c *config.Config) sanitize.Options {
	return sanitize.Options{
		Direction:                c.Sanitize.Direction,
		NestedDirectionSupported: c.Sanitize.NestedDirectionSupported,
	}
}

func buildStack(ctx context.Context, c *config.Config, logger *zap.Logger) (*stack, error) {
	st := &stack{cache: diagcache.New()}
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	b := c.Render.Browser
	st.engine = render.NewRodEngine(render.BrowserConfig{
		Headless:       config.Enabled(b.Headless),
		Bin:            b.Bin,
		DebuggerURL:    b.DebuggerURL,
		MermaidURL:     b.MermaidURL,
		ViewportWidth:  b.ViewportWidth,
		ViewportHeight: b.ViewportHeight,
	}, logger.Named("render"))
	if err := st.engine.Start(ctx); err != nil {
		return nil, err
	}
	st.closers = append(st.closers, st.engine.Close)

	sink, err := buildSinks(c.Telemetry, logger, st)
	if err != nil {
		return nil, err
	}
	st.reporter = telemetry.NewReporter(sink, logger.Named("telemetry"), c.Telemetry.QueueSize)

	fixer, err := buildFixer(c.Fixer)
	if err != nil {
		return nil, err
	}
	var service repair.Service
	if rs := c.RepairService; rs.BaseURL != "" {
		client, err := repairsvc.New(repairsvc.Config{
			BaseURL:       rs.BaseURL,
			HealthPath:    rs.HealthPath,
			RepairPath:    rs.RepairPath,
			HealthTimeout: config.Millis(rs.HealthTimeoutMS),
			RepairTimeout: config.Millis(rs.RepairTimeoutMS),
			Headers:       rs.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("repair service: %w", err)
		}
		service = client
	}

	var sandbox render.Oracle
	if config.Enabled(c.Render.Sandbox) {
		sandbox = st.engine
	}
	opts := sanitizeOptions(c)
	st.controller, err = repair.NewController(repair.Options{
		Verifier:      render.NewVerifier(sandbox, config.Millis(c.Render.TimeoutMS)),
		Fixer:         fixer,
		Service:       service,
		Cache:         st.cache,
		Telemetry:     st.reporter,
		Coordinator:   repair.NewCoordinator(config.Millis(c.SingleFlight.PollIntervalMS), config.Millis(c.SingleFlight.MaxWaitMS), logger),
		Logger:        logger,
		MaxAttempts:   c.Retry.MaxAttempts,
		Backoff:       c.Retry.Backoff,
		AdaptFallback: config.Enabled(c.RepairService.AdaptFallback),
		Sanitize:      func(s string) string { return sanitize.SanitizeWith(s, opts) },
		OnValidated: func(simID string, step int) {
			logger.Debug("step validated", zap.String("sim_id", simID), zap.Int("step", step))
		},
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return st, nil
}

// buildSinks always logs; the SQLite ledger, Prometheus counters and the
// HTTP collector are added when configured.
func buildSinks(tc config.TelemetryConfig, logger *zap.Logger, st *stack) (telemetry.Sink, error) {
	sinks := telemetry.Multi{telemetry.NewLogSink(logger)}
	if tc.SQLitePath != "" {
		db, err := telemetry.OpenSQLiteSink(tc.SQLitePath)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		sinks = append(sinks, db)
	}
	if config.Enabled(tc.Metrics) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := telemetry.NewMetricsSink(reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
		st.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if tc.HTTPBaseURL != "" {
		h, err := telemetry.NewHTTPSink(telemetry.HTTPSinkConfig{
			BaseURL:      tc.HTTPBaseURL,
			AttemptsPath: tc.AttemptsPath,
			FailuresPath: tc.FailuresPath,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	return sinks, nil
}

func buildFixer(fc config.FixerConfig) (fastfix.Fixer, error) {
	if fc.Mode != config.FixerRemote {
		return fastfix.NewLocal(), nil
	}
	return fastfix.NewHTTPClient(fastfix.HTTPConfig{
		BaseURL: fc.BaseURL,
		Path:    fc.Path,
		Timeout: config.Millis(fc.TimeoutMS),
		Headers: fc.Headers,
	})
}

// Close drains telemetry before closing the sinks and the browser.
func (st *stack) Close() error {
	if st.reporter != nil {
		st.reporter.Close()
	}
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// exitCode maps a command error to the process status: 2 when a diagram
// could not be healed, 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, repair.ErrTierExhausted) {
		return 2
	}
	return 1
}
