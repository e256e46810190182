// Package notify delivers operator alerts (suspected tampering, settlement
// failures) out of the request path. Producers enqueue without blocking; a
// single worker drains the queue into a Sink.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Alert kinds
const (
	KindTamperSuspected  = "tamper_suspected"
	KindPriceHintSkew    = "price_hint_skew"
	KindSettlementFailed = "settlement_failed"
)

type Alert struct {
	Kind      string
	AccountID string
	Message   string
	Fields    map[string]string
	At        time.Time
}

// Sink delivers a single alert
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// Notifier accepts alerts without blocking the caller
type Notifier interface {
	Notify(a Alert)
}

type Nop struct{}

func (Nop) Notify(Alert) {}

// Queue buffers alerts for a Sink. Alerts are dropped when the buffer is full.
type Queue struct {
	ch      chan Alert
	sink    Sink
	log     *zap.SugaredLogger
	dropped atomic.Int64
}

func NewQueue(sink Sink, buffer int, log *zap.SugaredLogger) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{ch: make(chan Alert, buffer), sink: sink, log: log}
}

func (q *Queue) Notify(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	select {
	case q.ch <- a:
	default:
		q.dropped.Add(1)
		q.log.Warnw("alert_dropped", "kind", a.Kind, "account", a.AccountID)
	}
}

// Dropped returns how many alerts were discarded because the queue was full
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Run delivers queued alerts until ctx is cancelled
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-q.ch:
			if err := q.sink.Send(ctx, a); err != nil {
				q.log.Errorw("alert_delivery_failed", "kind", a.Kind, "account", a.AccountID, "err", err)
			}
		}
	}
}

// LogSink writes alerts to the structured log
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, a Alert) error {
	kv := []any{"kind", a.Kind, "account", a.AccountID, "at", a.At}
	for k, v := range a.Fields {
		kv = append(kv, k, v)
	}
	s.log.Warnw("operator_alert: "+a.Message, kv...)
	return nil
}

// Fanout sends to every sink and returns the first error
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, a Alert) error {
	var first error
	for _, s := range f {
		if err := s.Send(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Notifier = (*Queue)(nil)
	_ Notifier = Nop{}
	_ Sink     = (*LogSink)(nil)
	_ Sink     = Fanout(nil)
)
