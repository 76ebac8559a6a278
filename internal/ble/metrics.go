package ble

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "trumoto_"

var (
	framesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "frames_decoded_total",
		Help: "Telemetry notifications decoded into a snapshot.",
	})

	framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "frames_dropped_total",
		Help: "Telemetry notifications dropped by reason.",
	}, []string{"reason"})

	reconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "reconnect_attempts_total",
		Help: "Automatic reconnect attempts by result.",
	}, []string{"result"})

	writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "writes_total",
		Help: "Characteristic writes by characteristic and result.",
	}, []string{"characteristic", "result"})

	linkState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricPrefix + "link_state",
		Help: "1 for the current connection state, 0 for the others.",
	}, []string{"state"})
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

// Collectors returns the link metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{framesDecoded, framesDropped, reconnectAttempts, writesTotal, linkState}
}

// RegisterMetrics registers the link metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func recordState(s State) {
	for _, name := range allStates {
		v := 0.0
		if name == string(s) {
			v = 1
		}
		linkState.WithLabelValues(name).Set(v)
	}
}

func init() {
	recordState(StateDisconnected)
}
