package sync

import "github.com/eth2030/statesync/metrics"

// Metrics is the handle every sync component reports through. It is built
// once by the host and passed to each constructor.
type Metrics struct {
	TotalDownloaders *metrics.Gauge
	FreeDownloaders  *metrics.Gauge
	TasksQueued      *metrics.Gauge

	DownloadedHeaders *metrics.Counter
	HeadersToDownload *metrics.Gauge

	PrefetchQueueDepth *metrics.Gauge

	AccountsDownloaded     *metrics.Counter
	StorageSlotsDownloaded *metrics.Counter
	BytecodesDownloaded    *metrics.Counter
	AccountChunkDivisor    *metrics.Gauge

	HealedNodes    *metrics.Counter
	HealedAccounts *metrics.Counter

	PivotGeneration *metrics.Gauge
	BlocksExecuted  *metrics.Counter
	BatchExecTime   *metrics.Histogram
}

// NewMetrics registers the sync metrics in reg. A nil registry gets a
// private one, which is handy in tests.
func NewMetrics(reg *metrics.Registry) *Metrics {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	return &Metrics{
		TotalDownloaders:       reg.Gauge("sync.total_downloaders"),
		FreeDownloaders:        reg.Gauge("sync.free_downloaders"),
		TasksQueued:            reg.Gauge("sync.tasks_queued"),
		DownloadedHeaders:      reg.Counter("sync.downloaded_headers"),
		HeadersToDownload:      reg.Gauge("sync.headers_to_download"),
		PrefetchQueueDepth:     reg.Gauge("sync.prefetch_queue_depth"),
		AccountsDownloaded:     reg.Counter("snap.accounts_downloaded"),
		StorageSlotsDownloaded: reg.Counter("snap.storage_slots_downloaded"),
		BytecodesDownloaded:    reg.Counter("snap.bytecodes_downloaded"),
		AccountChunkDivisor:    reg.Gauge("snap.account_chunk_divisor"),
		HealedNodes:            reg.Counter("heal.nodes"),
		HealedAccounts:         reg.Counter("heal.accounts"),
		PivotGeneration:        reg.Gauge("sync.pivot_generation"),
		BlocksExecuted:         reg.Counter("sync.blocks_executed"),
		BatchExecTime:          reg.Histogram("sync.batch_exec_ms"),
	}
}
