package sync

import (
	gosync "sync"
	"time"
)

// ProgressStage names a step of a sync cycle.
type ProgressStage uint8

// Sync cycle stages.
const (
	StageIdle      ProgressStage = iota // Not syncing.
	StageHeaders                        // Downloading headers.
	StageAccounts                       // Downloading the account range.
	StageStorage                        // Downloading storage ranges.
	StageHealing                        // Healing tries.
	StageBytecodes                      // Downloading contract code.
	StageFullSync                       // Executing blocks.
	StageComplete                       // Cycle finished.
)

// String returns a human-readable stage name.
func (s ProgressStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageHeaders:
		return "headers"
	case StageAccounts:
		return "accounts"
	case StageStorage:
		return "storage"
	case StageHealing:
		return "healing"
	case StageBytecodes:
		return "bytecodes"
	case StageFullSync:
		return "fullsync"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ProgressInfo is a snapshot of sync progress.
type ProgressInfo struct {
	Stage           ProgressStage
	SnapEnabled     bool
	PivotNumber     uint64
	PivotGeneration uint64
	StartBlock      uint64
	CurrentBlock    uint64
	HighestBlock    uint64
	StartTime       time.Time

	HeadersDownloaded int64
	Accounts          int64
	StorageSlots      int64
	Bytecodes         int64
	HealedNodes       int64
	BlocksExecuted    int64

	PercentComplete float64
}

// ProgressTracker follows the stage and block range of the running cycle.
// Counters come from the shared Metrics. It is safe for concurrent use.
type ProgressTracker struct {
	mu           gosync.RWMutex
	metrics      *Metrics
	stage        ProgressStage
	snap         bool
	pivot        Pivot
	startBlock   uint64
	currentBlock uint64
	highestBlock uint64
	startTime    time.Time
}

// NewProgressTracker creates an idle tracker reading counters from m.
func NewProgressTracker(m *Metrics) *ProgressTracker {
	return &ProgressTracker{metrics: m, stage: StageIdle}
}

// Start begins a cycle from start towards highest.
func (pt *ProgressTracker) Start(snap bool, start, highest uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.snap = snap
	pt.startBlock = start
	pt.currentBlock = start
	pt.highestBlock = highest
	pt.startTime = time.Now()
	pt.stage = StageHeaders
}

// SetStage updates the current stage.
func (pt *ProgressTracker) SetStage(stage ProgressStage) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.stage = stage
}

// SetPivot records the pivot the cycle is syncing to.
func (pt *ProgressTracker) SetPivot(p Pivot) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.pivot = p
	if n := p.Number(); n > pt.highestBlock {
		pt.highestBlock = n
	}
}

// UpdateBlock sets the current block number.
func (pt *ProgressTracker) UpdateBlock(current uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.currentBlock = current
}

// GetProgress returns a snapshot with PercentComplete filled in.
func (pt *ProgressTracker) GetProgress() ProgressInfo {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	info := ProgressInfo{
		Stage:             pt.stage,
		SnapEnabled:       pt.snap,
		PivotNumber:       pt.pivot.Number(),
		PivotGeneration:   pt.pivot.Generation,
		StartBlock:        pt.startBlock,
		CurrentBlock:      pt.currentBlock,
		HighestBlock:      pt.highestBlock,
		StartTime:         pt.startTime,
		HeadersDownloaded: pt.metrics.DownloadedHeaders.Value(),
		Accounts:          pt.metrics.AccountsDownloaded.Value(),
		StorageSlots:      pt.metrics.StorageSlotsDownloaded.Value(),
		Bytecodes:         pt.metrics.BytecodesDownloaded.Value(),
		HealedNodes:       pt.metrics.HealedNodes.Value(),
		BlocksExecuted:    pt.metrics.BlocksExecuted.Value(),
	}
	if total := pt.highestBlock - min(pt.startBlock, pt.highestBlock); total > 0 {
		done := min(pt.currentBlock-min(pt.startBlock, pt.currentBlock), total)
		info.PercentComplete = float64(done) / float64(total) * 100.0
	} else if pt.stage == StageComplete {
		info.PercentComplete = 100.0
	}
	return info
}
