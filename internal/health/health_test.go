package health

import (
	"context"
	"testing"
)

func TestChecker_Empty(t *testing.T) {
	checker := NewChecker("1.0.0")

	status := checker.GetStatus()

	if status.Status != StateOK {
		t.Errorf("expected status 'ok', got %s", status.Status)
	}
	if status.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got %s", status.Version)
	}
	if status.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
	if len(status.Components) != 0 {
		t.Errorf("expected no components, got %d", len(status.Components))
	}
}

func TestChecker_SetComponent(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("store", true, "fixes.db")

	store, ok := checker.GetStatus().Components["store"]
	if !ok {
		t.Fatal("expected store component")
	}
	if !store.Healthy {
		t.Error("expected store to be healthy")
	}
	if store.Message != "fixes.db" {
		t.Errorf("expected message 'fixes.db', got %s", store.Message)
	}
	if store.LastCheck.IsZero() {
		t.Error("expected LastCheck to be set")
	}
}

func TestChecker_Degraded(t *testing.T) {
	checker := NewChecker("1.0.0")

	checker.SetComponent("locator", true, "")
	checker.SetComponent("uplink", false, "disconnected")

	if status := checker.GetStatus(); status.Status != StateDegraded {
		t.Errorf("expected status 'degraded', got %s", status.Status)
	}
	if checker.IsHealthy() {
		t.Error("expected IsHealthy() to return false")
	}
}

func TestChecker_Probes(t *testing.T) {
	checker := NewChecker("1.0.0")

	sourceUp := false
	var order []string

	checker.Register("source", func(ctx context.Context) (bool, string) {
		order = append(order, "source")
		if sourceUp {
			return true, "merged(sim,api)"
		}
		return false, "closed"
	})
	checker.Register("motion", func(ctx context.Context) (bool, string) {
		order = append(order, "motion")
		return true, ""
	})

	checker.Refresh(context.Background())

	if checker.IsHealthy() {
		t.Error("expected unhealthy while source is down")
	}
	if len(order) != 2 || order[0] != "motion" || order[1] != "source" {
		t.Errorf("probes ran in order %v, want [motion source]", order)
	}

	sourceUp = true
	checker.Refresh(context.Background())

	status := checker.GetStatus()
	if status.Status != StateOK {
		t.Errorf("expected status 'ok' after recovery, got %s", status.Status)
	}
	if msg := status.Components["source"].Message; msg != "merged(sim,api)" {
		t.Errorf("source message = %q", msg)
	}
}

func TestChecker_StatusIsCopy(t *testing.T) {
	checker := NewChecker("1.0.0")
	checker.SetComponent("store", true, "")

	status := checker.GetStatus()
	status.Components["store"] = Check{Healthy: false}

	if !checker.IsHealthy() {
		t.Error("mutating a returned status must not affect the checker")
	}
}
