// Package metrics exposes Prometheus collectors for the ingestion
// pipeline. Counters are driven off the event bus, so the pipeline
// itself stays instrumentation-free.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glowbound/fleetcore/pkg/events"
)

type Metrics struct {
	MessagesReceived  prometheus.Counter
	BytesReceived     prometheus.Counter
	UnhandledMessages prometheus.Counter
	OnlineComponents  prometheus.Gauge
	Registrations     *prometheus.CounterVec
	Deregistrations   *prometheus.CounterVec
	PropertyUpdates   prometheus.Counter
	DeviceLogs        *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_received_messages_total",
			Help: "The total number of inbound fleet messages"}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_received_bytes_total",
			Help: "The total number of inbound payload bytes"}),
		UnhandledMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_unhandled_messages_total",
			Help: "The total number of messages on reserved topics"}),
		OnlineComponents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetcore_online_components",
			Help: "The number of components currently online"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_registrations_completed_total",
			Help: "The total number of completed source registrations"},
			[]string{"source"}),
		Deregistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_registrations_lost_total",
			Help: "The total number of lost or failed source registrations"},
			[]string{"source"}),
		PropertyUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetcore_property_updates_total",
			Help: "The total number of decoded property value publications"}),
		DeviceLogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetcore_device_logs_total",
			Help: "The total number of device log lines by severity"},
			[]string{"severity"}),
	}
	reg.MustRegister(
		m.MessagesReceived,
		m.BytesReceived,
		m.UnhandledMessages,
		m.OnlineComponents,
		m.Registrations,
		m.Deregistrations,
		m.PropertyUpdates,
		m.DeviceLogs,
	)
	return m
}

// ObserveBus wires the collectors to the event stream.
func (m *Metrics) ObserveBus(bus *events.Bus) {
	bus.OnReceived(func(ev events.ReceivedMessage) {
		m.MessagesReceived.Inc()
		m.BytesReceived.Add(float64(len(ev.Payload)))
	})
	bus.OnUnhandled(func(events.UnhandledMessage) {
		m.UnhandledMessages.Inc()
	})
	bus.OnOnline(func(ev events.Online) {
		if ev.Online {
			m.OnlineComponents.Inc()
		} else {
			m.OnlineComponents.Dec()
		}
	})
	bus.OnRegistered(func(ev events.Registered) {
		if ev.Registered {
			m.Registrations.WithLabelValues(string(ev.Source)).Inc()
		} else {
			m.Deregistrations.WithLabelValues(string(ev.Source)).Inc()
		}
	})
	bus.OnPropertyUpdate(func(events.PropertyUpdate) {
		m.PropertyUpdates.Inc()
	})
	bus.OnLogReceived(func(ev events.LogReceived) {
		m.DeviceLogs.WithLabelValues(string(ev.Log.Severity)).Inc()
	})
}
