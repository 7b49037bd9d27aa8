package manager

import "sync/atomic"

// Metrics tracks engine counters. All fields are updated atomically; read a
// consistent view through Snapshot.
type Metrics struct {
	requested         atomic.Int64
	downloadBegan     atomic.Int64
	downloadCompleted atomic.Int64
	priorityIncreased atomic.Int64
	priorityDecreased atomic.Int64
	failed            atomic.Int64
	cancelled         atomic.Int64
	retried           atomic.Int64
	bytesTransferred  atomic.Int64
	downloadSpeed     atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	Requested          int64 `json:"requested"`
	DownloadBegan      int64 `json:"download_began"`
	DownloadCompleted  int64 `json:"download_completed"`
	PriorityIncreased  int64 `json:"priority_increased"`
	PriorityDecreased  int64 `json:"priority_decreased"`
	Failed             int64 `json:"failed"`
	Cancelled          int64 `json:"cancelled"`
	Retried            int64 `json:"retried"`
	BytesTransferred   int64 `json:"bytes_transferred"`
	DownloadSpeedBytes int64 `json:"download_speed_bytes"`
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requested:          m.requested.Load(),
		DownloadBegan:      m.downloadBegan.Load(),
		DownloadCompleted:  m.downloadCompleted.Load(),
		PriorityIncreased:  m.priorityIncreased.Load(),
		PriorityDecreased:  m.priorityDecreased.Load(),
		Failed:             m.failed.Load(),
		Cancelled:          m.cancelled.Load(),
		Retried:            m.retried.Load(),
		BytesTransferred:   m.bytesTransferred.Load(),
		DownloadSpeedBytes: m.downloadSpeed.Load(),
	}
}
