// Package metrics wraps a private prometheus registry. Collection and
// aggregation reuse prometheus/client_golang; rendering does not, because
// the control plane's /metrics endpoint is a flat "name{labels} value" line
// format with no HELP/TYPE preamble, not standard Prometheus exposition
// text — so Gather() is used directly instead of promhttp.Handler.
package metrics

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds every gauge/counter the cluster manager exposes.
type Registry struct {
	reg *prometheus.Registry

	InstanceUp               *prometheus.GaugeVec
	InstanceRequestsInflight *prometheus.GaugeVec
	InstanceCPU              *prometheus.GaugeVec
	InstanceMemoryMB         *prometheus.GaugeVec
	InstanceLoad             *prometheus.GaugeVec
	InstanceCompositeLoad    *prometheus.GaugeVec
	InstanceRPS              *prometheus.GaugeVec
	UserRequests             *prometheus.GaugeVec
	ReapEventsTotal          prometheus.Gauge
}

// New builds and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		InstanceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_up",
			Help: "1 if the worker's subprocess is alive, 0 otherwise.",
		}, []string{"port"}),
		InstanceRequestsInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_requests_inflight",
			Help: "Requests currently outstanding on the worker.",
		}, []string{"port"}),
		InstanceCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_cpu",
			Help: "Worker process CPU usage percent.",
		}, []string{"port"}),
		InstanceMemoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_memory_mb",
			Help: "Worker process resident memory in megabytes.",
		}, []string{"port"}),
		InstanceLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_load",
			Help: "Worker's smoothed moving average load.",
		}, []string{"port"}),
		InstanceCompositeLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_composite_load",
			Help: "Worker's composite load (inflight saturation blended with CPU).",
		}, []string{"port"}),
		InstanceRPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_instance_rps",
			Help: "Worker's requests per second over the last metrics window.",
		}, []string{"port"}),
		UserRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ollama_user_requests",
			Help: "Advisory per-user dispatched request counter.",
		}, []string{"user"}),
		ReapEventsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_reap_events_total",
			Help: "Cluster-wide count of dead-worker reap-and-replace events since startup.",
		}),
	}

	reg.MustRegister(
		r.InstanceUp,
		r.InstanceRequestsInflight,
		r.InstanceCPU,
		r.InstanceMemoryMB,
		r.InstanceLoad,
		r.InstanceCompositeLoad,
		r.InstanceRPS,
		r.UserRequests,
		r.ReapEventsTotal,
	)

	return r
}

// Render gathers every collector and writes one "name{labels} value" line
// per sample, sorted for deterministic output.
func (r *Registry) Render() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var line bytes.Buffer
			line.WriteString(mf.GetName())
			writeLabels(&line, m.GetLabel())
			fmt.Fprintf(&line, " %v", sampleValue(m))
			lines = append(lines, line.String())
		}
	}
	sort.Strings(lines)

	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	default:
		return 0
	}
}

func writeLabels(buf *bytes.Buffer, labels []*dto.LabelPair) {
	if len(labels) == 0 {
		return
	}
	buf.WriteByte('{')
	for i, lp := range labels {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(buf, "%s=%q", lp.GetName(), lp.GetValue())
	}
	buf.WriteByte('}')
}
