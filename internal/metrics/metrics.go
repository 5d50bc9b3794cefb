// Package metrics wraps the OTel Meter with the counters a lockd operator
// scrapes over /metrics: grants, pending waiters, timeouts, and releases,
// broken down by mode. It is purely observational — nothing on the
// acquire/release decision path reads these values back.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var modeKey = attribute.Key("mode")

// Recorder records lock coordinator events as OTel counters. A nil
// *Recorder is valid and records nothing, so callers that run without
// telemetry configured can skip a nil check.
type Recorder struct {
	grants   metric.Int64Counter
	pending  metric.Int64Counter
	timeouts metric.Int64Counter
	releases metric.Int64Counter
	purges   metric.Int64Counter
}

// New builds a Recorder from the given MeterProvider. Pass
// otel.GetMeterProvider() to use whatever telemetry.go installed (the
// global no-op provider when telemetry is disabled).
func New(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter("lockd.core")
	grants, err := meter.Int64Counter("lockd.lock.grants",
		metric.WithDescription("locks granted, by mode"))
	if err != nil {
		return nil, err
	}
	pending, err := meter.Int64Counter("lockd.lock.pending",
		metric.WithDescription("acquires that entered a waiter queue, by mode"))
	if err != nil {
		return nil, err
	}
	timeouts, err := meter.Int64Counter("lockd.lock.timeouts",
		metric.WithDescription("queued acquires that expired before being granted"))
	if err != nil {
		return nil, err
	}
	releases, err := meter.Int64Counter("lockd.lock.releases",
		metric.WithDescription("explicit releases, by mode"))
	if err != nil {
		return nil, err
	}
	purges, err := meter.Int64Counter("lockd.lock.disconnect_purges",
		metric.WithDescription("holds and waits removed by connection cleanup"))
	if err != nil {
		return nil, err
	}
	return &Recorder{
		grants:   grants,
		pending:  pending,
		timeouts: timeouts,
		releases: releases,
		purges:   purges,
	}, nil
}

func (r *Recorder) modeAttr(mode string) metric.AddOption {
	return metric.WithAttributes(modeKey.String(mode))
}

// Grant records one successful acquire grant, whether immediate or via
// abdication.
func (r *Recorder) Grant(ctx context.Context, mode string) {
	if r == nil {
		return
	}
	r.grants.Add(ctx, 1, r.modeAttr(mode))
}

// Pending records one acquire that entered a waiter queue.
func (r *Recorder) Pending(ctx context.Context, mode string) {
	if r == nil {
		return
	}
	r.pending.Add(ctx, 1, r.modeAttr(mode))
}

// Timeout records one queued acquire expiring before grant.
func (r *Recorder) Timeout(ctx context.Context, mode string) {
	if r == nil {
		return
	}
	r.timeouts.Add(ctx, 1, r.modeAttr(mode))
}

// Release records one explicit release.
func (r *Recorder) Release(ctx context.Context, mode string) {
	if r == nil {
		return
	}
	r.releases.Add(ctx, 1, r.modeAttr(mode))
}

// DisconnectPurge records one hold or wait removed by connection cleanup.
func (r *Recorder) DisconnectPurge(ctx context.Context, count int) {
	if r == nil || count == 0 {
		return
	}
	r.purges.Add(ctx, int64(count))
}
