package sync

import (
	"math/big"
	gosync "sync"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
)

func TestProgressTracker_InitialState(t *testing.T) {
	pt := NewProgressTracker(NewMetrics(nil))
	p := pt.GetProgress()

	if p.Stage != StageIdle {
		t.Errorf("Stage = %v, want idle", p.Stage)
	}
	if p.PercentComplete != 0 {
		t.Errorf("PercentComplete = %f, want 0", p.PercentComplete)
	}
	if p.PivotNumber != 0 {
		t.Errorf("PivotNumber = %d, want 0", p.PivotNumber)
	}
}

func TestProgressTracker_StartAndPivot(t *testing.T) {
	pt := NewProgressTracker(NewMetrics(nil))
	pt.Start(true, 0, 100)
	pt.SetPivot(Pivot{Header: &types.Header{Number: big.NewInt(150)}, Generation: 2})

	p := pt.GetProgress()
	if p.Stage != StageHeaders {
		t.Errorf("Stage = %v, want headers", p.Stage)
	}
	if !p.SnapEnabled {
		t.Error("SnapEnabled should be set")
	}
	if p.HighestBlock != 150 {
		t.Errorf("HighestBlock = %d, want 150", p.HighestBlock)
	}
	if p.PivotGeneration != 2 {
		t.Errorf("PivotGeneration = %d, want 2", p.PivotGeneration)
	}
	if p.StartTime.IsZero() {
		t.Error("StartTime should be set after Start()")
	}
}

func TestProgressTracker_PercentComplete(t *testing.T) {
	pt := NewProgressTracker(NewMetrics(nil))
	pt.Start(false, 100, 300)
	pt.UpdateBlock(150)
	if got := pt.GetProgress().PercentComplete; got != 25 {
		t.Errorf("PercentComplete = %f, want 25", got)
	}
	pt.UpdateBlock(500)
	if got := pt.GetProgress().PercentComplete; got != 100 {
		t.Errorf("PercentComplete = %f, want 100 (clamped)", got)
	}
}

func TestProgressTracker_CompleteWithoutRange(t *testing.T) {
	pt := NewProgressTracker(NewMetrics(nil))
	pt.SetStage(StageComplete)
	if got := pt.GetProgress().PercentComplete; got != 100 {
		t.Errorf("PercentComplete = %f, want 100", got)
	}
}

func TestProgressTracker_ReadsMetrics(t *testing.T) {
	m := NewMetrics(nil)
	pt := NewProgressTracker(m)
	m.AccountsDownloaded.Add(10)
	m.StorageSlotsDownloaded.Add(20)
	m.HealedNodes.Add(3)

	p := pt.GetProgress()
	if p.Accounts != 10 || p.StorageSlots != 20 || p.HealedNodes != 3 {
		t.Errorf("counters = %d/%d/%d, want 10/20/3", p.Accounts, p.StorageSlots, p.HealedNodes)
	}
}

func TestProgressStage_String(t *testing.T) {
	stages := map[ProgressStage]string{
		StageIdle:          "idle",
		StageHeaders:       "headers",
		StageAccounts:      "accounts",
		StageStorage:       "storage",
		StageHealing:       "healing",
		StageBytecodes:     "bytecodes",
		StageFullSync:      "fullsync",
		StageComplete:      "complete",
		ProgressStage(200): "unknown",
	}
	for s, want := range stages {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestProgressTracker_Concurrent(t *testing.T) {
	pt := NewProgressTracker(NewMetrics(nil))
	pt.Start(false, 0, 1000)

	var wg gosync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pt.UpdateBlock(uint64(i*100 + j))
				pt.SetStage(ProgressStage(j % 8))
				_ = pt.GetProgress()
			}
		}(i)
	}
	wg.Wait()
}
