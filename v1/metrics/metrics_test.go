package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	PublishCounter.Inc()
	LockAcquireCounter.Inc()
	RemoteSubscriptionsGauge.Set(5)
	StoreOpCounter.WithLabelValues("sadd").Inc()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"presence_publish_total", "presence_lock_acquire_total", "presence_remote_subscriptions", "presence_store_ops_total"} {
		if !names[want] {
			t.Fatalf("expected %s registered, got %v", want, names)
		}
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
