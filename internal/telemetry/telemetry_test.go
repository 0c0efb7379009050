package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func strp(s string) *string { return &s }

func TestReporter_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &Recorder{}
	r := NewReporter(rec, nil, 64)
	for i := 1; i <= 10; i++ {
		r.RecordAttempt(AttemptRecord{Tier: 3, TierName: "remote", AttemptNumber: i, InputCode: "x"})
	}
	r.ReportFailure(FailureReport{SimID: "s", BrokenCode: "x", FinalError: "boom"})
	r.Close()

	got := rec.Attempts()
	require.Len(t, got, 10)
	for i, a := range got {
		require.Equal(t, i+1, a.AttemptNumber)
		require.Equal(t, CodeHash("x"), a.InputHash)
		require.NotZero(t, a.TimestampMS)
	}
	require.Len(t, rec.Failures(), 1)
	require.Equal(t, CodeHash("x"), rec.Failures()[0].CodeHash)
}

func TestReporter_SinkErrorsAreLoggedNotPropagated(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := &Recorder{Err: errors.New("sink down")}
	r := NewReporter(rec, zap.New(core), 8)
	r.RecordAttempt(AttemptRecord{Tier: 1})
	r.ReportFailure(FailureReport{})
	r.Close()
	require.Equal(t, 2, logs.Len())
	require.Len(t, rec.Attempts(), 1)
}

type blockingSink struct {
	Recorder
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingSink) RecordAttempt(ctx context.Context, rec AttemptRecord) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.Recorder.RecordAttempt(ctx, rec)
}

func TestReporter_DropsWhenQueueFull(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	r := NewReporter(sink, nil, 1)
	r.RecordAttempt(AttemptRecord{AttemptNumber: 1})
	<-sink.started
	r.RecordAttempt(AttemptRecord{AttemptNumber: 2}) // queued
	r.RecordAttempt(AttemptRecord{AttemptNumber: 3}) // dropped
	require.Equal(t, uint64(1), r.Dropped())
	close(sink.release)
	r.Close()
	require.Len(t, sink.Attempts(), 2)

	r.RecordAttempt(AttemptRecord{AttemptNumber: 4})
	require.Equal(t, uint64(2), r.Dropped())
}

func TestMulti_CallsEverySink(t *testing.T) {
	a, b := &Recorder{Err: errors.New("a failed")}, &Recorder{}
	err := Multi{a, b}.RecordAttempt(context.Background(), AttemptRecord{Tier: 2})
	require.Error(t, err)
	require.Len(t, a.Attempts(), 1)
	require.Len(t, b.Attempts(), 1)
	require.NoError(t, Multi{b}.ReportFailure(context.Background(), FailureReport{}))
}

func TestHTTPSink_PostsRecords(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	var lastKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		paths[r.URL.Path]++
		lastKey = r.Header.Get("Idempotency-Key")
		mu.Unlock()
		if r.URL.Path == "/telemetry/failures" {
			require.Equal(t, "boom", body["finalError"])
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s, err := NewHTTPSink(HTTPSinkConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, s.RecordAttempt(context.Background(), AttemptRecord{Tier: 1, TierName: "local", ErrorAfter: strp("x")}))
	require.NoError(t, s.ReportFailure(context.Background(), FailureReport{FinalError: "boom"}))
	require.Equal(t, 1, paths["/telemetry/attempts"])
	require.Equal(t, 1, paths["/telemetry/failures"])
	require.Len(t, lastKey, 32)
}

func TestHTTPSink_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	s, err := NewHTTPSink(HTTPSinkConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	require.Error(t, s.RecordAttempt(context.Background(), AttemptRecord{}))
}

func TestSQLiteSink_RoundTrip(t *testing.T) {
	s, err := OpenSQLiteSink(filepath.Join(t.TempDir(), "ledger", "telemetry.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	step := 4
	require.NoError(t, s.RecordAttempt(ctx, AttemptRecord{SessionID: "a", SimID: "s", StepIndex: &step, Tier: 1, TierName: "local", AttemptNumber: 1, InputCode: "x", ErrorAfter: strp("bad")}))
	require.NoError(t, s.RecordAttempt(ctx, AttemptRecord{SessionID: "a", Tier: 2, TierName: "local_alt", AttemptNumber: 1, InputCode: "y", OutputCode: "z", Success: true}))
	require.NoError(t, s.RecordAttempt(ctx, AttemptRecord{SessionID: "b", Tier: 1, TierName: "local", AttemptNumber: 1}))
	require.NoError(t, s.ReportFailure(ctx, FailureReport{SessionID: "b", BrokenCode: "q", FinalError: "boom"}))

	got, err := s.Attempts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "local", got[0].TierName)
	require.Equal(t, 4, *got[0].StepIndex)
	require.Equal(t, "bad", *got[0].ErrorAfter)
	require.True(t, got[1].Success)
	require.Equal(t, CodeHash("z"), got[1].OutputHash)

	all, err := s.Attempts(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	fails, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, fails, 1)
	require.Equal(t, "boom", fails[0].FinalError)

	rates, err := s.SuccessRate(ctx)
	require.NoError(t, err)
	require.InDelta(t, 0.0, rates["local"], 1e-9)
	require.InDelta(t, 1.0, rates["local_alt"], 1e-9)
}

func TestMetricsSink_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsSink(reg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.RecordAttempt(ctx, AttemptRecord{Tier: 3, TierName: "remote", Success: false, DurationMS: 120}))
	require.NoError(t, m.RecordAttempt(ctx, AttemptRecord{Tier: 3, TierName: "remote", Success: true, DurationMS: 80}))
	require.NoError(t, m.ReportFailure(ctx, FailureReport{}))

	require.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("3", "remote", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("3", "remote", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures))

	_, err = NewMetricsSink(reg)
	require.Error(t, err, "duplicate registration must fail")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewLogSink(zap.New(core))
	require.NoError(t, s.RecordAttempt(context.Background(), AttemptRecord{Tier: 4, ErrorAfter: strp("e")}))
	require.NoError(t, s.ReportFailure(context.Background(), FailureReport{FinalError: "f"}))
	require.Equal(t, 2, logs.Len())
	require.Equal(t, "telemetry", logs.All()[0].LoggerName)
}
