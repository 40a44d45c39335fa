package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PublishCounter tracks messages handed to the store for publishing.
	PublishCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_publish_total",
		Help: "Total number of published messages",
	})
	// DeliveredCounter tracks callback invocations that completed without error.
	DeliveredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_delivered_total",
		Help: "Total number of messages delivered to local callbacks",
	})
	// CallbackFailureCounter tracks callbacks that returned an error or panicked.
	CallbackFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_callback_failures_total",
		Help: "Total number of failed local callback invocations",
	})
	// DecodeFailureCounter tracks incoming payloads that were not valid JSON.
	DecodeFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_decode_failures_total",
		Help: "Total number of undecodable incoming messages",
	})
	// RemoteSubscriptionsGauge reports the number of topics subscribed on the store.
	RemoteSubscriptionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_remote_subscriptions",
		Help: "Current number of remote topic subscriptions",
	})
	// LockAcquireCounter tracks successful lock acquisitions.
	LockAcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_lock_acquire_total",
		Help: "Total number of acquired locks",
	})
	// LockFailureCounter tracks acquisitions that exhausted their retries.
	LockFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_lock_failures_total",
		Help: "Total number of lock acquisitions that gave up",
	})
	// StoreOpCounter tracks state operations by name.
	StoreOpCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_store_ops_total",
		Help: "Total number of presence state operations",
	}, []string{"op"})
	// StoreErrorCounter tracks failed state operations by name.
	StoreErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_store_errors_total",
		Help: "Total number of failed presence state operations",
	}, []string{"op"})
	// GatewayConnectionsGauge reports open gateway connections.
	GatewayConnectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_gateway_connections",
		Help: "Current number of open gateway connections",
	})
	// GatewayDroppedCounter tracks frames dropped because a client was too slow.
	GatewayDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_gateway_dropped_total",
		Help: "Total number of frames dropped for slow gateway clients",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers presence metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		PublishCounter,
		DeliveredCounter,
		CallbackFailureCounter,
		DecodeFailureCounter,
		RemoteSubscriptionsGauge,
		LockAcquireCounter,
		LockFailureCounter,
		StoreOpCounter,
		StoreErrorCounter,
		GatewayConnectionsGauge,
		GatewayDroppedCounter,
	)
}
