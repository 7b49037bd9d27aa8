// Package queue implements the prioritized download queue and the per-resource
// download task lifecycle.
package queue

import (
	"container/heap"
	"context"
	"sync"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/fetchkit/processor"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the queue package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Observer is the queue's single observer. DownloadDidFinish may return an
// error (e.g. a cache store failure) to request a retry of the transfer.
type Observer interface {
	DownloadDidStart(t *Task, d *resource.Downloadable)
	DownloadDidTransferData(t *Task, d *resource.Downloadable)
	DownloadDidFinish(t *Task, d *resource.Downloadable, tempPath string) error
	DownloadWillRetry(t *Task, failed, next *resource.Downloadable, cause error)
	DownloadDidFail(t *Task, err error)
}

// RequestResolver reconstructs the download request for a downloadable
// recovered from transport-level persisted state.
type RequestResolver func(d *resource.Downloadable) *resource.DownloadRequest

// Config holds configuration for a download queue.
type Config struct {
	// Name identifies the queue in logs ("normal", "priority").
	Name string

	// SimultaneousDownloads caps concurrent running tasks. Values below 1
	// are clamped to 1.
	SimultaneousDownloads int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{Name: "normal", SimultaneousDownloads: 20}
}

// pendingItem is one queued task in the priority heap.
type pendingItem struct {
	task     *Task
	priority int
	seq      int64
	index    int
}

// pendingHeap orders by descending priority, FIFO within a priority.
type pendingHeap []*pendingItem

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x interface{}) {
	item := x.(*pendingItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue admits download tasks, orders them by priority, dispatches to the
// first capable processor up to a concurrency cap, and drives mirror retries
// on failure. It is the exclusive owner of its live tasks.
type Queue struct {
	cfg      Config
	registry *processor.Registry
	policy   MirrorPolicy
	resolver RequestResolver
	observer Observer

	ctx context.Context

	mu      sync.Mutex
	active  bool
	seq     int64
	pending pendingHeap
	queued  map[string]*pendingItem
	running map[string]*Task
}

// NewQueue creates a queue over the given processors. The queue installs
// itself as each processor's event observer; processors must not be shared
// between queues.
func NewQueue(ctx context.Context, cfg Config, registry *processor.Registry, policy MirrorPolicy, resolver RequestResolver) *Queue {
	if cfg.SimultaneousDownloads < 1 {
		cfg.SimultaneousDownloads = 1
	}
	if cfg.Name == "" {
		cfg.Name = DefaultConfig().Name
	}
	if ctx == nil {
		ctx = context.Background()
	}

	q := &Queue{
		cfg:      cfg,
		registry: registry,
		policy:   policy,
		resolver: resolver,
		ctx:      ctx,
		active:   true,
		queued:   make(map[string]*pendingItem),
		running:  make(map[string]*Task),
	}
	for _, p := range registry.Processors() {
		p.SetObserver(q)
	}
	return q
}

// SetObserver installs the queue's single observer.
func (q *Queue) SetObserver(o Observer) { q.observer = o }

// Name returns the queue's display name.
func (q *Queue) Name() string { return q.cfg.Name }

// Download admits a task. Enqueueing an id that is already queued or already
// running is a no-op; priority changes are performed by the caller via
// SetPriority plus re-enqueue on the pending collection.
func (q *Queue) Download(t *Task) {
	q.mu.Lock()
	id := t.ID()
	if _, ok := q.running[id]; ok {
		q.mu.Unlock()
		log.Debug("Task already running, ignoring enqueue", "queue", q.cfg.Name, "resource", id)
		return
	}
	if _, ok := q.queued[id]; ok {
		q.mu.Unlock()
		log.Debug("Task already queued, ignoring enqueue", "queue", q.cfg.Name, "resource", id)
		return
	}
	q.seq++
	item := &pendingItem{task: t, priority: t.Priority(), seq: q.seq}
	heap.Push(&q.pending, item)
	q.queued[id] = item
	q.mu.Unlock()

	q.dispatch()
}

// Task returns the live task for a resource id, queued or running.
func (q *Queue) Task(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.running[id]; ok {
		return t
	}
	if item, ok := q.queued[id]; ok {
		return item.task
	}
	return nil
}

// SetActive starts or stops dispatching. Stopping does not cancel running
// transfers; it pauses the processors and holds pending tasks.
func (q *Queue) SetActive(active bool) {
	q.mu.Lock()
	changed := q.active != active
	q.active = active
	q.mu.Unlock()
	if !changed {
		return
	}
	for _, p := range q.registry.Processors() {
		if active {
			p.Resume()
		} else {
			p.Pause()
		}
	}
	if active {
		q.dispatch()
	}
}

// Active reports whether the queue is dispatching.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// MaxPendingPriority returns the highest priority among queued tasks, or 0
// when nothing is queued.
func (q *Queue) MaxPendingPriority() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return 0
	}
	return q.pending[0].priority
}

// DrainPending removes and returns every queued (not running) task, in
// priority order. Used for urgent reprioritization across queues.
func (q *Queue) DrainPending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.pending))
	for q.pending.Len() > 0 {
		item := heap.Pop(&q.pending).(*pendingItem)
		delete(q.queued, item.task.ID())
		out = append(out, item.task)
	}
	return out
}

// Remove silently pulls a queued (not running) task off the pending
// collection without completing it, so the caller can move it to another
// queue. Returns nil when the id is running or unknown.
func (q *Queue) Remove(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.queued[id]
	if !ok {
		return nil
	}
	heap.Remove(&q.pending, item.index)
	delete(q.queued, id)
	return item.task
}

// Cancel cancels a task by resource id: removal from the pending collection
// if queued, cooperative cancellation of the running downloadable otherwise.
func (q *Queue) Cancel(id string) {
	q.mu.Lock()
	if item, ok := q.queued[id]; ok {
		heap.Remove(&q.pending, item.index)
		delete(q.queued, id)
		t := item.task
		q.mu.Unlock()
		q.completeTask(t, cerrors.ErrDownloadCancelled)
		return
	}
	t, ok := q.running[id]
	q.mu.Unlock()
	if !ok {
		return
	}
	t.Cancel()
}

// CancelAll cancels every queued and running task.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.queued)+len(q.running))
	for id := range q.queued {
		ids = append(ids, id)
	}
	for id := range q.running {
		ids = append(ids, id)
	}
	q.mu.Unlock()
	for _, id := range ids {
		q.Cancel(id)
	}
}

// EnqueuePending asks each processor for transfers persisted by a previous
// process lifetime and installs recovered tasks in the running set.
func (q *Queue) EnqueuePending() {
	for _, p := range q.registry.Processors() {
		for _, d := range p.EnqueuePending(q.ctx) {
			q.installRecovered(d)
		}
	}
}

func (q *Queue) installRecovered(d *resource.Downloadable) {
	if q.resolver == nil {
		log.Warn("No request resolver, dropping recovered transfer", "resource", d.ResourceID())
		d.Cancel()
		return
	}
	req := q.resolver(d)
	if req == nil {
		log.Warn("Recovered transfer has no known resource, cancelling",
			"queue", q.cfg.Name, "resource", d.ResourceID())
		d.Cancel()
		return
	}

	t := NewTask(req, q.policy)
	t.adopt(d)

	q.mu.Lock()
	id := t.ID()
	if _, running := q.running[id]; running {
		q.mu.Unlock()
		d.Cancel()
		return
	}
	if item, queued := q.queued[id]; queued {
		heap.Remove(&q.pending, item.index)
		delete(q.queued, id)
	}
	q.running[id] = t
	q.mu.Unlock()

	log.Info("Reattached persisted transfer", "queue", q.cfg.Name, "resource", id)
	q.notifyStart(t, d)
}

// dispatch pops pending tasks while capacity allows. The lock is never held
// across task or processor calls.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if !q.active || len(q.running) >= q.cfg.SimultaneousDownloads || q.pending.Len() == 0 {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.pending).(*pendingItem)
		t := item.task
		delete(q.queued, t.ID())
		q.running[t.ID()] = t
		q.mu.Unlock()

		d, err := t.Advance(nil, nil)
		if err != nil {
			q.completeTask(t, err)
			continue
		}
		if d == nil {
			q.completeTask(t, cerrors.ErrMirrorsExhausted)
			continue
		}

		q.startTransfer(t, d, nil)
	}
}

// startTransfer routes a downloadable to its processor. cause is non-nil on
// the retry path and is only used for logging.
func (q *Queue) startTransfer(t *Task, d *resource.Downloadable, cause error) {
	p := q.registry.For(d)
	if p == nil {
		q.completeTask(t, cerrors.ErrNoProcessorAvailable)
		return
	}
	// Started is emitted before handing off so no transfer event can beat it.
	if cause == nil {
		q.notifyStart(t, d)
	}
	if err := p.Process(q.ctx, d); err != nil {
		q.retryOrFail(t, d, err)
	}
}

func (q *Queue) notifyStart(t *Task, d *resource.Downloadable) {
	if q.observer != nil {
		q.observer.DownloadDidStart(t, d)
	}
}

// retryOrFail advances the task through the mirror policy after a transfer
// failure. Terminal errors and exhausted policies finish the task.
func (q *Queue) retryOrFail(t *Task, failed *resource.Downloadable, cause error) {
	if cerrors.Terminal(cause) {
		q.completeTask(t, cause)
		return
	}

	next, err := t.Advance(failed, cause)
	if err != nil {
		q.completeTask(t, err)
		return
	}
	if next == nil {
		q.completeTask(t, cerrors.ErrMirrorsExhausted.WithCause(cause))
		return
	}

	next.SetPriority(failed.Priority())
	if q.observer != nil {
		q.observer.DownloadWillRetry(t, failed, next, cause)
	}
	log.Info("Retrying download on next mirror",
		"queue", q.cfg.Name, "resource", t.ID(),
		"failed_mirror", failed.Mirror().ID, "next_mirror", next.Mirror().ID,
		"error", cause)

	q.startTransfer(t, next, cause)
}

// completeTask removes the task from the queue's books, finishes it, and
// refills the freed capacity.
func (q *Queue) completeTask(t *Task, err error) {
	q.mu.Lock()
	delete(q.running, t.ID())
	if item, ok := q.queued[t.ID()]; ok {
		heap.Remove(&q.pending, item.index)
		delete(q.queued, t.ID())
	}
	q.mu.Unlock()

	if err == nil {
		q.policy.DownloadComplete(t.ID())
	}
	t.Complete(err)

	if err != nil && q.observer != nil {
		q.observer.DownloadDidFail(t, err)
	}

	q.dispatch()
}

// taskFor resolves the running task that owns a downloadable.
func (q *Queue) taskFor(d *resource.Downloadable) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[d.ResourceID()]
}

// ---------------------------------------------------------------------------
// processor.Observer
// ---------------------------------------------------------------------------

// DownloadDidBegin implements processor.Observer.
func (q *Queue) DownloadDidBegin(d *resource.Downloadable) {
	log.Debug("Transfer accepted", "queue", q.cfg.Name, "resource", d.ResourceID())
}

// DownloadDidStartTransfer implements processor.Observer.
func (q *Queue) DownloadDidStartTransfer(d *resource.Downloadable) {
	log.Debug("First byte received", "queue", q.cfg.Name, "resource", d.ResourceID())
}

// DownloadDidTransferData implements processor.Observer.
func (q *Queue) DownloadDidTransferData(d *resource.Downloadable) {
	t := q.taskFor(d)
	if t == nil || q.observer == nil {
		return
	}
	q.observer.DownloadDidTransferData(t, d)
}

// DownloadDidFinishTransfer implements processor.Observer. The observer's
// finish hook stores the file; a store failure is retried through the mirror
// policy like a transport failure.
func (q *Queue) DownloadDidFinishTransfer(d *resource.Downloadable, tempPath string) {
	t := q.taskFor(d)
	if t == nil {
		log.Warn("Finished transfer has no owning task",
			"queue", q.cfg.Name, "resource", d.ResourceID())
		return
	}
	if q.observer == nil {
		q.completeTask(t, cerrors.ErrInvalidDownloadable.WithMessage("no observer to store download"))
		return
	}
	if err := q.observer.DownloadDidFinish(t, d, tempPath); err != nil {
		log.Warn("Store failed after successful transfer",
			"queue", q.cfg.Name, "resource", d.ResourceID(), "error", err)
		q.retryOrFail(t, d, err)
		return
	}
	q.completeTask(t, nil)
}

// DownloadDidError implements processor.Observer.
func (q *Queue) DownloadDidError(d *resource.Downloadable, err error) {
	t := q.taskFor(d)
	if t == nil {
		return
	}
	if d.Cancelled() || cerrors.Is(err, cerrors.ErrDownloadCancelled) {
		q.completeTask(t, cerrors.ErrDownloadCancelled)
		return
	}
	q.retryOrFail(t, d, err)
}

// DownloadDidFinish implements processor.Observer.
func (q *Queue) DownloadDidFinish(d *resource.Downloadable) {
	log.Debug("Transfer finished", "queue", q.cfg.Name, "resource", d.ResourceID())
}
