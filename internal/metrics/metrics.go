package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts inbound socket frames per stream by classification
	// outcome: control, status, event, dropped.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamlease",
		Subsystem: "session",
		Name:      "frames_total",
		Help:      "Inbound websocket frames by stream and classification.",
	}, []string{"stream", "class"})

	// RenewalsTotal counts lease renewal attempts per stream by mode and outcome.
	RenewalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamlease",
		Subsystem: "session",
		Name:      "renewals_total",
		Help:      "Lease renewal attempts by stream, mode and outcome.",
	}, []string{"stream", "mode", "outcome"})

	// EventsTotal counts typed events drained from sessions by the manager.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamlease",
		Subsystem: "manager",
		Name:      "events_total",
		Help:      "Typed stream events consumed from sessions.",
	}, []string{"stream", "kind"})

	// SpendConfirmedTotal counts confirmed micropayment charges per stream.
	SpendConfirmedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamlease",
		Subsystem: "ledger",
		Name:      "spend_confirmed_total",
		Help:      "Confirmed lease charges recorded by the spend ledger.",
	}, []string{"stream", "asset"})
)

func init() {
	prometheus.MustRegister(FramesTotal, RenewalsTotal, EventsTotal, SpendConfirmedTotal)
}

func Handler() http.Handler {
	h := promhttp.Handler()
	return h
}
