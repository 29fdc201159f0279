package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}
	return byName
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FramesObservedTotal.WithLabelValues("in").Inc()
	m.FramesObservedTotal.WithLabelValues("in").Inc()
	m.FramesObservedTotal.WithLabelValues("out").Inc()
	m.ObservationsDroppedTotal.Inc()
	m.ActiveSessions.Set(3)

	families := gather(t, reg)

	frames, ok := families["reticle_frames_observed_total"]
	if !ok {
		t.Fatal("reticle_frames_observed_total not registered")
	}
	byDirection := make(map[string]float64)
	for _, metric := range frames.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "direction" {
				byDirection[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if byDirection["in"] != 2 || byDirection["out"] != 1 {
		t.Errorf("unexpected per-direction counts: %v", byDirection)
	}

	dropped, ok := families["reticle_observations_dropped_total"]
	if !ok || dropped.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Errorf("unexpected dropped counter: %v", dropped)
	}

	sessions, ok := families["reticle_active_sessions"]
	if !ok || sessions.GetMetric()[0].GetGauge().GetValue() != 3 {
		t.Errorf("unexpected active sessions gauge: %v", sessions)
	}
}

func TestMetricsDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}
