package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes records to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("telemetry")}
}

func (s *LogSink) RecordAttempt(_ context.Context, rec AttemptRecord) error {
	fields := []zap.Field{
		zap.String("session_id", rec.SessionID),
		zap.String("sim_id", rec.SimID),
		zap.Int("tier", rec.Tier),
		zap.String("tier_name", rec.TierName),
		zap.Int("attempt", rec.AttemptNumber),
		zap.Bool("success", rec.Success),
		zap.Int64("duration_ms", rec.DurationMS),
		zap.String("input_hash", rec.InputHash),
	}
	if rec.ErrorAfter != nil {
		fields = append(fields, zap.String("error_after", *rec.ErrorAfter))
	}
	s.logger.Debug("repair attempt", fields...)
	return nil
}

func (s *LogSink) ReportFailure(_ context.Context, rep FailureReport) error {
	s.logger.Error("repair failed",
		zap.String("session_id", rep.SessionID),
		zap.String("sim_id", rep.SimID),
		zap.String("final_error", rep.FinalError),
		zap.String("code_hash", rep.CodeHash))
	return nil
}
