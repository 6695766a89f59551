package telemetry

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsespace_messages_appended_total",
		Help: "Messages durably appended to channel logs.",
	})
	PublishDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsespace_publish_deduplicated_total",
		Help: "Publishes answered from an earlier client_message_id.",
	})
	BroadcastDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsespace_broadcast_deliveries_total",
		Help: "Events handed to subscriber queues.",
	})
	SlowSubscribersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsespace_slow_subscribers_evicted_total",
		Help: "Subscribers dropped because their outbound queue was full.",
	})
	WSConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsespace_ws_connections",
		Help: "Open realtime connections.",
	})
	WSFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsespace_ws_frames_total",
		Help: "Inbound realtime frames by type and outcome.",
	}, []string{"type", "outcome"})
	ReadPositionsPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsespace_read_positions_persisted_total",
		Help: "Read position writes that advanced a pointer.",
	})
	CatchupMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulsespace_catchup_messages_total",
		Help: "Messages replayed by reconciliation.",
	})
	DiskUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulsespace_disk_used_percent",
		Help: "Used space on the volume holding the database.",
	})
	MaintenanceRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsespace_maintenance_runs_total",
		Help: "Maintenance runs by outcome.",
	}, []string{"outcome"})

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesAppended,
		PublishDeduplicated,
		BroadcastDeliveries,
		SlowSubscribersEvicted,
		WSConnections,
		WSFrames,
		ReadPositionsPersisted,
		CatchupMessages,
		DiskUsedPercent,
		MaintenanceRuns,
		heapAlloc,
	)
}
