package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gipc"

type metrics struct {
	accepted prometheus.Counter
	active   prometheus.Gauge
	msgIn    prometheus.Counter
	msgOut   prometheus.Counter
	bytesIn  prometheus.Counter
	bytesOut prometheus.Counter
	errors   prometheus.Counter
	restarts prometheus.Counter
}

// newMetrics 总是创建指标，reg 为 nil 时不注册
func newMetrics(reg prometheus.Registerer, pipe string) (*metrics, error) {
	labels := prometheus.Labels{"pipe": pipe}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "server",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &metrics{
		accepted: counter("connections_accepted_total", "Clients accepted on the pipe."),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "server",
			Name:        "connections_active",
			Help:        "Connections currently open.",
			ConstLabels: labels,
		}),
		msgIn:    counter("messages_received_total", "Messages delivered to the message callback."),
		msgOut:   counter("messages_sent_total", "Pipe messages written to clients."),
		bytesIn:  counter("received_bytes_total", "Bytes read from clients."),
		bytesOut: counter("sent_bytes_total", "Bytes written to clients."),
		errors:   counter("acceptor_errors_total", "Acceptor loops that exited with an error."),
		restarts: counter("acceptor_restarts_total", "Acceptor loops restarted after an error."),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.accepted, m.active, m.msgIn, m.msgOut, m.bytesIn, m.bytesOut, m.errors, m.restarts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
