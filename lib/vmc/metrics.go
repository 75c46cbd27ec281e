// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors shared by every channel,
// labelled by device name.
type Metrics struct {
	Clients         *prometheus.GaugeVec
	Connected       *prometheus.GaugeVec
	BytesFromDevice *prometheus.CounterVec
	BytesToDevice   *prometheus.CounterVec
	ClientsRemoved  *prometheus.CounterVec
	TokensGranted   *prometheus.CounterVec
	Migrations      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer
// unless it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		Clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmcd",
			Name:      "clients",
			Help:      "Clients attached to the device.",
		}, []string{"device"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmcd",
			Name:      "device_connected",
			Help:      "Whether the VM side of the device is connected.",
		}, []string{"device"}),
		BytesFromDevice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmcd",
			Name:      "device_read_bytes_total",
			Help:      "Bytes read from the VM side.",
		}, []string{"device"}),
		BytesToDevice: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmcd",
			Name:      "device_write_bytes_total",
			Help:      "Bytes queued for the VM side by clients.",
		}, []string{"device"}),
		ClientsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmcd",
			Name:      "clients_removed_total",
			Help:      "Clients disconnected for violating flow control or not granting tokens.",
		}, []string{"device"}),
		TokensGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmcd",
			Name:      "client_tokens_granted_total",
			Help:      "Client tokens returned to clients.",
		}, []string{"device"}),
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vmcd",
			Name:      "migrations_total",
			Help:      "Migration data exported or restored.",
		}, []string{"device", "direction"}),
	}
	if registerer != nil {
		registerer.MustRegister(
			metrics.Clients,
			metrics.Connected,
			metrics.BytesFromDevice,
			metrics.BytesToDevice,
			metrics.ClientsRemoved,
			metrics.TokensGranted,
			metrics.Migrations,
		)
	}
	return metrics
}

// deviceMetrics are the collectors of one device.
type deviceMetrics struct {
	clients         prometheus.Gauge
	connected       prometheus.Gauge
	bytesFromDevice prometheus.Counter
	bytesToDevice   prometheus.Counter
	clientsRemoved  prometheus.Counter
	tokensGranted   prometheus.Counter
	exported        prometheus.Counter
	restored        prometheus.Counter
}

func (m *Metrics) forDevice(name string) deviceMetrics {
	return deviceMetrics{
		clients:         m.Clients.WithLabelValues(name),
		connected:       m.Connected.WithLabelValues(name),
		bytesFromDevice: m.BytesFromDevice.WithLabelValues(name),
		bytesToDevice:   m.BytesToDevice.WithLabelValues(name),
		clientsRemoved:  m.ClientsRemoved.WithLabelValues(name),
		tokensGranted:   m.TokensGranted.WithLabelValues(name),
		exported:        m.Migrations.WithLabelValues(name, "export"),
		restored:        m.Migrations.WithLabelValues(name, "restore"),
	}
}
