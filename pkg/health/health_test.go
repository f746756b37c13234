package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProbe struct {
	busy        int
	maintenance bool
}

func (p fakeProbe) BusyWorkers() int { return p.busy }
func (p fakeProbe) Enabled() bool    { return p.maintenance }

func TestCapacityCheck_Name(t *testing.T) {
	check := NewCapacityCheck(fakeProbe{}, 3)

	if check.Name() != "capacity" {
		t.Errorf("expected name 'capacity', got '%s'", check.Name())
	}
}

func TestCapacityCheck_Healthy(t *testing.T) {
	check := NewCapacityCheck(fakeProbe{busy: 2}, 3)

	result := check.CheckDetailed(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected status healthy, got %s", result.Status)
	}
	if result.Details["busy"] != "2" {
		t.Errorf("expected busy=2, got %s", result.Details["busy"])
	}
	if result.Details["workers"] != "3" {
		t.Errorf("expected workers=3, got %s", result.Details["workers"])
	}
}

func TestCapacityCheck_Maintenance(t *testing.T) {
	check := NewCapacityCheck(fakeProbe{maintenance: true}, 3)

	if err := check.Check(context.Background()); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	result := check.CheckDetailed(context.Background())
	if result.Status != StatusDegraded {
		t.Errorf("expected status degraded, got %s", result.Status)
	}
}

func TestRun_Aggregates(t *testing.T) {
	ok := CheckFunc("storage", func(context.Context) error { return nil })
	bad := CheckFunc("redis", func(context.Context) error { return errors.New("connection refused") })
	degraded := NewCapacityCheck(fakeProbe{maintenance: true}, 1)

	report := Run(context.Background(), time.Second, ok, degraded)
	if report.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", report.Status)
	}

	report = Run(context.Background(), time.Second, ok, degraded, bad)
	if report.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", report.Status)
	}
	if len(report.Checks) != 3 {
		t.Fatalf("expected 3 results, got %d", len(report.Checks))
	}
	if report.Checks[2].Message != "connection refused" {
		t.Errorf("unexpected message %q", report.Checks[2].Message)
	}
}

func TestRun_Timeout(t *testing.T) {
	slow := CheckFunc("docker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	report := Run(context.Background(), 20*time.Millisecond, slow)
	if time.Since(start) > time.Second {
		t.Error("check was not bounded by the timeout")
	}
	if report.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", report.Status)
	}
}

func TestRun_NoChecks(t *testing.T) {
	report := Run(context.Background(), time.Second)
	if report.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", report.Status)
	}
}
