// Package metrics exports venue activity as Prometheus series. It reads the
// event bus like any other subscriber and never sits on the trading path.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/hyperbinary/pkg/events"
	"github.com/uhyunpark/hyperbinary/pkg/order"
)

const namespace = "venue"

type Collector struct {
	reg *prometheus.Registry
	sub *events.Subscription

	admitted *prometheus.CounterVec
	staked   *prometheus.CounterVec
	settled  *prometheus.CounterVec
	deleted  prometheus.Counter
	ticks    prometheus.Counter
}

// New subscribes to the bus. armed and alertsDropped are sampled at scrape time;
// either may be nil.
func New(bus *events.Bus, armed func() int, alertsDropped func() int64) *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		sub: bus.Subscribe(events.Filter{All: true}, 4096),
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_admitted_total",
			Help: "Orders accepted by admission.",
		}, []string{"symbol", "direction"}),
		staked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stake_minor_units_total",
			Help: "Sum of admitted stakes in minor units.",
		}, []string{"asset"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_settled_total",
			Help: "Orders settled, by terminal status.",
		}, []string{"status"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_deleted_total",
			Help: "Orders removed by an operator.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "market_tick_events_total",
			Help: "Market tick events published.",
		}),
	}
	c.reg.MustRegister(c.admitted, c.staked, c.settled, c.deleted, c.ticks)

	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "metrics_events_dropped_total",
		Help: "Bus events this collector missed because its buffer was full.",
	}, func() float64 { return float64(c.sub.Dropped()) }))
	if armed != nil {
		c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "settlements_armed",
			Help: "Orders waiting for their expiry timer.",
		}, func() float64 { return float64(armed()) }))
	}
	if alertsDropped != nil {
		c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_dropped_total",
			Help: "Operator alerts dropped because the queue was full.",
		}, func() float64 { return float64(alertsDropped()) }))
	}
	return c
}

// Run consumes events until ctx is cancelled
func (c *Collector) Run(ctx context.Context) {
	defer c.sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev events.Event) {
	switch ev.Name {
	case events.OrderAdmitted:
		if o, ok := ev.Payload.(*order.Order); ok {
			c.admitted.WithLabelValues(o.Symbol, string(o.Direction)).Inc()
			c.staked.WithLabelValues(o.Asset).Add(float64(o.Stake))
		}
	case events.OrderSettled:
		if o, ok := ev.Payload.(*order.Order); ok {
			c.settled.WithLabelValues(string(o.Status)).Inc()
		}
	case events.OrderDeleted:
		c.deleted.Inc()
	case events.MarketTick:
		c.ticks.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
