// Package telemetry publishes committed curve-change records to downstream
// indexers. Records are informational: a publish failure is logged and
// counted, never surfaced to the operation that produced the record.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// EventCurveRecord is the envelope type of a curve-change record.
const EventCurveRecord = "curve_record"

// Envelope wraps a record with a globally unique, time-ordered id.
type Envelope struct {
	ID          int64              `json:"id"`
	Type        string             `json:"type"`
	MarketIndex uint16             `json:"market_index"`
	EmittedAt   time.Time          `json:"emitted_at"`
	Record      *model.CurveRecord `json:"record"`
}

// Publisher delivers envelopes to one sink.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Emitter stamps records with snowflake ids and hands them to a publisher.
type Emitter struct {
	node *snowflake.Node
	pub  Publisher
	log  zerolog.Logger
	now  func() time.Time
}

// NewEmitter creates an emitter for snowflake node nodeID (0-1023).
func NewEmitter(nodeID int64, pub Publisher, log zerolog.Logger) (*Emitter, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}
	return &Emitter{node: node, pub: pub, log: log, now: time.Now}, nil
}

// Wrap builds the envelope for rec.
func (e *Emitter) Wrap(rec *model.CurveRecord) Envelope {
	return Envelope{
		ID:          e.node.Generate().Int64(),
		Type:        EventCurveRecord,
		MarketIndex: rec.MarketIndex,
		EmittedAt:   e.now().UTC(),
		Record:      rec,
	}
}

// Emit publishes rec. Failures are logged and counted only.
func (e *Emitter) Emit(ctx context.Context, rec *model.CurveRecord) {
	if e == nil || e.pub == nil || rec == nil {
		return
	}
	env := e.Wrap(rec)
	if err := e.pub.Publish(ctx, env); err != nil {
		metrics.TelemetryErrors.WithLabelValues("emit").Inc()
		e.log.Warn().Err(err).
			Int64("envelope_id", env.ID).
			Uint16("market_index", rec.MarketIndex).
			Uint64("record_id", rec.RecordID).
			Msg("curve record publish failed")
	}
}

// Close closes the underlying publisher.
func (e *Emitter) Close() error {
	if e == nil || e.pub == nil {
		return nil
	}
	return e.pub.Close()
}

// Multi fans an envelope out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
