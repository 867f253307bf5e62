// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpQuery  = "query"
	MetricsOpReplay = "replay"

	MetricsStageQueryRemote  = "query_remote"
	MetricsStageRefreshCache = "refresh_cache"
	MetricsStageReplayEntry  = "replay_entry"
	MetricsStageReplayPass   = "replay_pass"
)

type StageTiming struct {
	Operation  string
	Stage      string
	Collection string
	Duration   time.Duration
	Count      int
	Attempt    int
	Error      bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver reports stage timings to the configured recorder and/or log.
type stageObserver struct {
	recorder StageMetricsRecorder
	logTimes bool
	logger   *slog.Logger
}

func newStageObserver(cfg *Config, logger *slog.Logger) *stageObserver {
	return &stageObserver{recorder: cfg.StageMetrics, logTimes: cfg.LogStageTimings, logger: logger}
}

func (o *stageObserver) enabled() bool {
	return o != nil && (o.recorder != nil || o.logTimes)
}

func (o *stageObserver) start() time.Time {
	if !o.enabled() {
		return time.Time{}
	}
	return time.Now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage, collection string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() || o == nil {
		return
	}

	timing := StageTiming{
		Operation:  op,
		Stage:      stage,
		Collection: collection,
		Duration:   time.Since(start),
		Count:      count,
		Attempt:    attempt,
		Error:      hadError,
	}

	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.logTimes && o.logger != nil {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"collection", timing.Collection,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
