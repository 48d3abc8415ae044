package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("history", Ping("history", func(context.Context) error { return nil }))
	r.Register("intel", Ping("intel", func(context.Context) error { return errors.New("down") }))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("expected unhealthy")
	}
	if statuses[1].Detail != "down" {
		t.Errorf("expected detail 'down', got %q", statuses[1].Detail)
	}
}

func TestRegistryFillsName(t *testing.T) {
	r := NewRegistry()
	r.Register("ports", func(context.Context) Status { return Status{Healthy: true} })
	_, statuses := r.CheckAll(context.Background())
	if statuses[0].Name != "ports" {
		t.Errorf("expected name filled from registration, got %q", statuses[0].Name)
	}
}

func TestFreshness(t *testing.T) {
	var ts time.Time
	check := Freshness("intel", func() time.Time { return ts }, time.Hour)

	if st := check(context.Background()); st.Healthy || st.Detail != "never loaded" {
		t.Errorf("zero timestamp should be unhealthy, got %+v", st)
	}

	ts = time.Now().Add(-2 * time.Hour)
	if st := check(context.Background()); st.Healthy {
		t.Error("stale snapshot should be unhealthy")
	}

	ts = time.Now()
	if st := check(context.Background()); !st.Healthy {
		t.Errorf("fresh snapshot should be healthy, got %+v", st)
	}
}
