// coordinator.go implements the download coordinator. It owns the pool of
// peer slots and the FIFO of pending range tasks, hands one task at a time
// to each free peer and requeues whatever comes back short, empty or late.
package sync

import (
	"context"
	"fmt"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eth2030/statesync/log"
)

// TaskKind names what a DownloadTask fetches. Only header ranges go
// through the coordinator.
type TaskKind uint8

const TaskHeaders TaskKind = 0

func (k TaskKind) String() string {
	if k == TaskHeaders {
		return "headers"
	}
	return "unknown"
}

// DownloadTask is a range request tagged with the pivot generation it was
// created under.
type DownloadTask struct {
	Kind       TaskKind
	Generation uint64
	Start      uint64
	Limit      uint64
}

// PeerSlot is one peer's seat in the pool. A busy slot has exactly one task
// in flight. A peer that fails a task sits out until its cooldown ends; the
// cooldown grows with consecutive failures.
type PeerSlot struct {
	ID       string
	Free     bool
	Failures int

	retryAt time.Time
	penalty *backoff.ExponentialBackOff
}

func (c *Coordinator) newSlot(id string, free bool) *PeerSlot {
	penalty := backoff.NewExponentialBackOff()
	penalty.InitialInterval = c.cfg.PeerCooldown.Duration
	penalty.MaxInterval = c.cfg.PeerCooldownMax.Duration
	penalty.MaxElapsedTime = 0
	penalty.Reset()
	return &PeerSlot{ID: id, Free: free, penalty: penalty}
}

func (s *PeerSlot) failed(now time.Time) {
	s.Failures++
	s.retryAt = now.Add(s.penalty.NextBackOff())
}

func (s *PeerSlot) succeeded() {
	s.Failures = 0
	s.retryAt = time.Time{}
	s.penalty.Reset()
}

func (s *PeerSlot) ready(now time.Time) bool {
	return s.Free && !s.retryAt.After(now)
}

// CoordinatorStats is a point-in-time view of the pool.
type CoordinatorStats struct {
	Total      int
	Free       int
	Queued     int
	Downloaded int
	Target     uint64
}

// coordinatorMsg is the closed set of messages the coordinator loop handles.
type coordinatorMsg interface{ coordinatorMsg() }

type downloadHeadersMsg struct{ head uint64 }

type headersDownloadedMsg struct {
	peer    string
	task    DownloadTask
	headers []*types.Header
	err     error
}

type assignTasksMsg struct{}

type refreshDownloadersMsg struct{}

func (downloadHeadersMsg) coordinatorMsg()    {}
func (headersDownloadedMsg) coordinatorMsg()  {}
func (assignTasksMsg) coordinatorMsg()        {}
func (refreshDownloadersMsg) coordinatorMsg() {}

// Coordinator schedules header range downloads over the live peer set.
type Coordinator struct {
	cfg         CoordinatorConfig
	checkpoints Checkpoints
	peers       HeaderPeer
	pivot       *PivotTracker
	metrics     *Metrics
	log         *log.Logger

	inbox  chan coordinatorMsg
	closed atomic.Bool
	wg     gosync.WaitGroup

	mu       gosync.Mutex
	slots    map[string]*PeerSlot
	inflight map[string]struct{}
	pending  []DownloadTask
	headers  map[uint64]*types.Header
	target   uint64
	done     chan struct{}

	now func() time.Time
}

// NewCoordinator creates a coordinator. pivot may be nil, in which case all
// tasks carry generation zero and never go stale.
func NewCoordinator(cfg CoordinatorConfig, peers HeaderPeer, pivot *PivotTracker, m *Metrics, logger *log.Logger) *Coordinator {
	inbox := cfg.InboxSize
	if inbox <= 0 {
		inbox = 1
	}
	logger = logger.Module("coordinator")
	checkpoints, err := NewCheckpoints(cfg.ChainID, cfg.Checkpoints)
	if err != nil {
		logger.Error("Conflicting checkpoints, keeping the built-in ones", "err", err)
	}
	return &Coordinator{
		cfg:         cfg,
		checkpoints: checkpoints,
		peers:       peers,
		pivot:       pivot,
		metrics:     m,
		log:         logger,
		inbox:       make(chan coordinatorMsg, inbox),
		slots:       make(map[string]*PeerSlot),
		inflight:    make(map[string]struct{}),
		headers:     make(map[uint64]*types.Header),
		now:         time.Now,
	}
}

func (c *Coordinator) generation() uint64 {
	if c.pivot == nil {
		return 0
	}
	return c.pivot.Current().Generation
}

func (c *Coordinator) valid(gen uint64) bool {
	return c.pivot == nil || c.pivot.Valid(gen)
}

// Run is the coordinator loop. It refreshes the peer pool and assigns tasks
// on timers and dispatches inbox messages until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		c.closed.Store(true)
		c.wg.Wait()
	}()

	refresh := time.NewTicker(c.cfg.RefreshInterval.Duration)
	defer refresh.Stop()
	assign := time.NewTicker(c.cfg.AssignInterval.Duration)
	defer assign.Stop()

	c.handle(ctx, refreshDownloadersMsg{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			c.handle(ctx, refreshDownloadersMsg{})
		case <-assign.C:
			c.handle(ctx, assignTasksMsg{})
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		}
	}
}

// handle is the single dispatch point for coordinator messages.
func (c *Coordinator) handle(ctx context.Context, msg coordinatorMsg) {
	switch m := msg.(type) {
	case downloadHeadersMsg:
		c.prepareHeaderTasks(m.head)
		c.assignTasks(ctx)
	case headersDownloadedMsg:
		c.headersDownloaded(m)
		c.assignTasks(ctx)
	case assignTasksMsg:
		c.assignTasks(ctx)
	case refreshDownloadersMsg:
		c.refreshDownloaders()
	default:
		c.log.Error("Unknown coordinator message", "type", fmt.Sprintf("%T", msg))
	}
}

// DownloadHeaders queues the download of headers 1..head. Wait returns once
// all of them arrived.
func (c *Coordinator) DownloadHeaders(ctx context.Context, head uint64) error {
	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	c.mu.Lock()
	c.done = make(chan struct{})
	c.target = head
	c.mu.Unlock()

	select {
	case c.inbox <- downloadHeadersMsg{head: head}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the requested headers are all downloaded and returns
// them in ascending order.
func (c *Coordinator) Wait(ctx context.Context) ([]*types.Header, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Header, 0, c.target)
	for n := uint64(1); n <= c.target; n++ {
		out = append(out, c.headers[n])
	}
	return out, nil
}

// Stats returns the current pool and queue sizes.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Coordinator) statsLocked() CoordinatorStats {
	s := CoordinatorStats{
		Total:      len(c.slots),
		Queued:     len(c.pending),
		Downloaded: len(c.headers),
		Target:     c.target,
	}
	for _, slot := range c.slots {
		if slot.Free {
			s.Free++
		}
	}
	return s
}

func (c *Coordinator) updateGauges() {
	s := c.statsLocked()
	c.metrics.TotalDownloaders.Set(int64(s.Total))
	c.metrics.FreeDownloaders.Set(int64(s.Free))
	c.metrics.TasksQueued.Set(int64(s.Queued))
}

func (c *Coordinator) prepareHeaderTasks(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.generation()
	step := c.cfg.BlockHeaderLimit
	for start := uint64(1); start <= head; start += step {
		limit := step
		if rest := head - start + 1; rest < limit {
			limit = rest
		}
		c.pending = append(c.pending, DownloadTask{Kind: TaskHeaders, Generation: gen, Start: start, Limit: limit})
	}
	missing := int64(head) - int64(len(c.headers))
	if missing < 0 {
		missing = 0
	}
	c.metrics.HeadersToDownload.Set(missing)
	c.checkDoneLocked()
	c.updateGauges()
	c.log.Info("Header download prepared", "head", head, "tasks", len(c.pending))
}

func (c *Coordinator) requeueLocked(task DownloadTask) {
	task.Generation = c.generation()
	c.pending = append(c.pending, task)
}

func (c *Coordinator) headersDownloaded(m headersDownloadedMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.updateGauges()

	// The slot frees up whatever the outcome. A peer dropped by a refresh has
	// no slot left, but its task is still requeued below.
	delete(c.inflight, m.peer)
	slot := c.slots[m.peer]
	if slot != nil {
		slot.Free = true
	}
	task := m.task
	if !c.valid(task.Generation) {
		c.log.Debug("Rejecting stale result", "peer", m.peer, "start", task.Start, "gen", task.Generation)
		c.requeueLocked(task)
		return
	}
	headers := contiguousPrefix(m.headers, task.Start, task.Limit)
	err := m.err
	if err == nil && len(headers) > 0 {
		if err = c.checkpoints.Check(headers); err != nil {
			c.log.Warn("Dropping headers that contradict a checkpoint", "peer", m.peer, "start", task.Start, "err", err)
		}
	}
	if err != nil || len(headers) == 0 {
		if slot != nil {
			slot.failed(c.now())
		}
		c.log.Debug("Header task failed", "peer", m.peer, "start", task.Start, "limit", task.Limit, "failures", failures(slot), "err", err)
		c.requeueLocked(task)
		return
	}
	if slot != nil {
		slot.succeeded()
	}
	var added int64
	for _, h := range headers {
		n := h.Number.Uint64()
		if _, ok := c.headers[n]; !ok {
			added++
		}
		c.headers[n] = h
	}
	c.metrics.DownloadedHeaders.Add(added)
	c.metrics.HeadersToDownload.Add(-added)

	if n := uint64(len(headers)); n < task.Limit {
		c.requeueLocked(DownloadTask{Kind: task.Kind, Start: task.Start + n, Limit: task.Limit - n})
	}
	c.checkDoneLocked()
}

func failures(slot *PeerSlot) int {
	if slot == nil {
		return 0
	}
	return slot.Failures
}

// contiguousPrefix keeps the leading headers numbered start, start+1, ...
// up to limit entries, each linked to its predecessor.
func contiguousPrefix(headers []*types.Header, start, limit uint64) []*types.Header {
	var i int
	for i = 0; i < len(headers) && uint64(i) < limit; i++ {
		h := headers[i]
		if h == nil || h.Number == nil || h.Number.Uint64() != start+uint64(i) {
			break
		}
		if i > 0 && h.ParentHash != headers[i-1].Hash() {
			break
		}
	}
	return headers[:i]
}

func (c *Coordinator) checkDoneLocked() {
	if c.done == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	if uint64(len(c.headers)) >= c.target {
		for n := uint64(1); n <= c.target; n++ {
			if _, ok := c.headers[n]; !ok {
				return
			}
		}
		close(c.done)
	}
}

func (c *Coordinator) assignTasks(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ready := make([]*PeerSlot, 0, len(c.slots))
	for _, slot := range c.slots {
		if slot.ready(now) {
			ready = append(ready, slot)
		}
	}
	// Reliable peers first.
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Failures != ready[j].Failures {
			return ready[i].Failures < ready[j].Failures
		}
		return ready[i].ID < ready[j].ID
	})
	for _, slot := range ready {
		if len(c.pending) == 0 {
			break
		}
		task := c.pending[0]
		c.pending = c.pending[1:]
		slot.Free = false
		c.inflight[slot.ID] = struct{}{}
		c.spawnDownloader(ctx, slot.ID, task)
	}
	c.updateGauges()
}

func (c *Coordinator) spawnDownloader(ctx context.Context, peer string, task DownloadTask) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		headers, err := c.peers.RequestHeadersFrom(ctx, peer, task.Start, task.Limit)
		select {
		case c.inbox <- headersDownloadedMsg{peer: peer, task: task, headers: headers, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Coordinator) refreshDownloaders() {
	live := c.peers.PeerIDs()

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{}, len(live))
	for _, id := range live {
		seen[id] = struct{}{}
		if _, ok := c.slots[id]; !ok {
			// A peer that left and came back while its task was in flight
			// stays busy until that task resolves.
			_, busy := c.inflight[id]
			c.slots[id] = c.newSlot(id, !busy)
		}
	}
	for id := range c.slots {
		if _, ok := seen[id]; !ok {
			delete(c.slots, id)
		}
	}
	c.updateGauges()
	c.log.Debug("Downloaders refreshed", "total", len(c.slots))
}
