package gateway

import (
	"context"
	"errors"
	"io"
	"time"

	"maice.ai/orchestrator/runtime/agent/model"
	"maice.ai/orchestrator/runtime/agent/telemetry"
)

// WithClueTelemetry returns unary and stream middleware that log and time
// every gateway call through runtime/agent/telemetry's Clue-backed Logger
// and Metrics, the same facade the teacher's own ClueMetrics/ClueLogger
// wrap (otel.Meter(...)/goa.design/clue/log under the global providers).
// Its only caller is cmd/worker, which installs no MeterProvider, so the
// metrics go to the global no-op provider; the orchestrator's /metrics
// endpoint is served by a different process and does not see them.
func WithClueTelemetry() (UnaryMiddleware, StreamMiddleware) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	return unaryTelemetry(logger, metrics), streamTelemetry(logger, metrics)
}

func unaryTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) UnaryMiddleware {
	return func(next UnaryHandler) UnaryHandler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			metrics.RecordTimer("llm.complete.latency", time.Since(start), "model", req.Model)
			if err != nil {
				metrics.IncCounter("llm.complete.errors", 1, "model", req.Model)
				logger.Error(ctx, "llm complete failed", "model", req.Model, "err", err.Error())
				return resp, err
			}
			metrics.IncCounter("llm.complete.requests", 1, "model", req.Model)
			logger.Debug(ctx, "llm complete", "model", req.Model, "output_tokens", resp.Usage.OutputTokens)
			return resp, nil
		}
	}
}

func streamTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) StreamMiddleware {
	return func(next StreamHandler) StreamHandler {
		return func(ctx context.Context, req *model.Request, send func(model.Chunk) error) error {
			start := time.Now()
			chunks := 0
			err := next(ctx, req, func(ch model.Chunk) error {
				chunks++
				return send(ch)
			})
			metrics.RecordTimer("llm.stream.latency", time.Since(start), "model", req.Model)
			metrics.RecordGauge("llm.stream.chunks", float64(chunks), "model", req.Model)
			// Every provider stream terminates with io.EOF on success (see
			// baseStream in server.go); only a non-EOF error is an actual failure.
			if err != nil && !errors.Is(err, io.EOF) {
				metrics.IncCounter("llm.stream.errors", 1, "model", req.Model)
				logger.Error(ctx, "llm stream failed", "model", req.Model, "err", err.Error())
				return err
			}
			metrics.IncCounter("llm.stream.requests", 1, "model", req.Model)
			return err
		}
	}
}
