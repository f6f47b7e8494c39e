package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	m := New()
	families, err := m.Registerer().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(families) != 1 || families[0].GetName() != "antigravity_proxy_quota_sweep_duration_seconds" {
		t.Fatalf("expected only the unlabelled sweep-duration histogram before any observation, got %d families", len(families))
	}

	m.SelectionsTotal.WithLabelValues("gemini-3-pro-preview").Inc()
	families, err = m.Registerer().Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !containsMetric(families, "antigravity_proxy_selector_selections_total") {
		t.Error("expected the selections_total metric to be registered and observable")
	}
}

func containsMetric(families []*dto.MetricFamily, name string) bool {
	for _, f := range families {
		if f.GetName() == name {
			return true
		}
	}
	return false
}
