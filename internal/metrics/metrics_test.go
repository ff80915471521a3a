package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/health"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestSetQueueDepthUpdatesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SetQueueDepth(7, 3)
	if got := gaugeValue(t, r.queuePending); got != 7 {
		t.Errorf("expected queue pending gauge 7, got %v", got)
	}
	if got := gaugeValue(t, r.queueInFlight); got != 3 {
		t.Errorf("expected queue in-flight gauge 3, got %v", got)
	}
}

func TestObserveDeliverySuccessIncrementsCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveDeliverySuccess(50 * time.Millisecond)

	m := &dto.Metric{}
	if err := r.deliverySuccessTotal.Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("expected delivery success counter at 1, got %v", m.GetCounter().GetValue())
	}
}

func TestObserveHealthReportsSetsStatusGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.ObserveHealthReports([]health.Report{{Name: "broker", Status: health.Critical}})

	m := &dto.Metric{}
	if err := r.healthStatus.WithLabelValues("broker").Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Errorf("expected critical status mapped to 3, got %v", m.GetGauge().GetValue())
	}
}
