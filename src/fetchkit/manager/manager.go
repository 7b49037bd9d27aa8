// Package manager provides the top-level resource manager facade: it composes
// the two download queues (normal + priority), the two-tier cache, and the
// mirror policy, fans out observer callbacks, and records metrics.
package manager

import (
	"sync"
	"time"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/fetchkit/cache"
	"github.com/bitswalk/fetchkit/src/fetchkit/progress"
	"github.com/bitswalk/fetchkit/src/fetchkit/queue"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the manager package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// HighPriorityValue is the numeric priority urgent batches are dispatched at
// on the priority queue.
const HighPriorityValue = 100

// Observer receives resource-level lifecycle callbacks. Go has no weak
// references, so registration is explicit: an observer that goes away must
// RemoveObserver itself, otherwise the manager keeps it reachable.
type Observer interface {
	DidStartDownloading(req *resource.DownloadRequest)
	WillRetryFailedDownload(req *resource.DownloadRequest, next resource.Mirror, cause error)
	DidFinishDownload(req *resource.DownloadRequest, err error)
}

// CompletionFunc is invoked exactly once when a resource reaches a terminal
// state.
type CompletionFunc func(success bool, resourceID string)

// Manager is the engine facade.
type Manager struct {
	cache    *cache.Cache
	policy   queue.MirrorPolicy
	normal   *queue.Queue
	priority *queue.Queue
	metrics  *Metrics
	agg      *progress.Aggregator
	bus      *NotificationCenter

	mu          sync.Mutex
	observers   map[Observer]struct{}
	completions map[string][]CompletionFunc
	lastBytes   map[string]int64
	started     map[string]time.Time
}

// New creates a manager over a cache, a mirror policy, and the two queues.
// priority may be nil; high and urgent requests then run on the normal
// queue. The manager installs itself as both queues' observer.
func New(c *cache.Cache, policy queue.MirrorPolicy, normal, priority *queue.Queue) *Manager {
	m := &Manager{
		cache:       c,
		policy:      policy,
		normal:      normal,
		priority:    priority,
		metrics:     &Metrics{},
		agg:         progress.NewAggregator(),
		bus:         DefaultCenter,
		observers:   make(map[Observer]struct{}),
		completions: make(map[string][]CompletionFunc),
		lastBytes:   make(map[string]int64),
		started:     make(map[string]time.Time),
	}
	normal.SetObserver(m)
	if priority != nil {
		priority.SetObserver(m)
	}
	return m
}

// Cache exposes the underlying two-tier cache.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Metrics returns a snapshot of the engine counters.
func (m *Manager) Metrics() MetricsSnapshot { return m.metrics.Snapshot() }

// ProgressNode returns the memoized progress node for a group of downloads.
func (m *Manager) ProgressNode(groupKey string, resourceIDs []string) *progress.Node {
	current := make(map[string]progress.Progress, len(resourceIDs))
	for _, id := range resourceIDs {
		current[id] = progress.Progress{}
	}
	return m.agg.NodeFor(groupKey, resourceIDs, current, true)
}

// Request deduplicates the resources by id (order preserved), delegates to
// the cache to produce download requests for the ones that actually need
// work, and returns them. The caller then calls Process with a priority.
func (m *Manager) Request(resources []resource.ResourceFile, opts resource.Options) []*resource.DownloadRequest {
	seen := make(map[string]struct{}, len(resources))
	deduped := resources[:0:0]
	for _, res := range resources {
		if _, dup := seen[res.ID]; dup || res.ID == "" {
			continue
		}
		seen[res.ID] = struct{}{}
		deduped = append(deduped, res)
	}

	m.metrics.requested.Add(int64(len(deduped)))
	return m.cache.RequestDownloads(deduped, opts)
}

// Process dispatches one request at the given priority.
func (m *Manager) Process(req *resource.DownloadRequest, prio resource.DownloadPriority) {
	m.ProcessAll([]*resource.DownloadRequest{req}, prio)
}

// ProcessAll dispatches requests at the given priority.
//
//   - normal: enqueue on the normal queue.
//   - high: enqueue on the priority queue; a same-id entry still pending on
//     the normal queue is pulled off it first.
//   - urgent: pending items on the priority queue are demoted onto the normal
//     queue at (normal max pending priority)+1, then the urgent batch is
//     dispatched together on the priority queue at high priority.
func (m *Manager) ProcessAll(reqs []*resource.DownloadRequest, prio resource.DownloadPriority) {
	if len(reqs) == 0 {
		return
	}
	pq := m.priority
	if pq == nil {
		pq = m.normal
	}

	switch prio {
	case resource.PriorityHigh:
		for _, req := range reqs {
			if req == nil {
				continue
			}
			if pq != m.normal {
				if moved := m.normal.Remove(req.ID()); moved != nil {
					log.Debug("Promoted pending download to priority queue", "resource", req.ID())
					pq.Download(moved)
					continue
				}
			}
			pq.Download(queue.NewTask(req, m.policy))
		}

	case resource.PriorityUrgent:
		if pq != m.normal {
			demoted := pq.DrainPending()
			if len(demoted) > 0 {
				newPrio := m.normal.MaxPendingPriority() + 1
				for _, t := range demoted {
					t.SetPriority(newPrio)
					m.normal.Download(t)
				}
				m.metrics.priorityDecreased.Add(int64(len(demoted)))
				log.Info("Demoted pending priority downloads", "count", len(demoted), "priority", newPrio)
			}
		}
		for _, req := range reqs {
			if req == nil {
				continue
			}
			t := queue.NewTask(req, m.policy)
			t.SetPriority(HighPriorityValue)
			pq.Download(t)
		}
		m.metrics.priorityIncreased.Add(int64(len(reqs)))

	default:
		for _, req := range reqs {
			if req == nil {
				continue
			}
			m.normal.Download(queue.NewTask(req, m.policy))
		}
	}
}

// Cancel cancels a request on both queues and releases its in-flight entry.
func (m *Manager) Cancel(req *resource.DownloadRequest) {
	if req == nil {
		return
	}
	id := req.ID()
	m.normal.Cancel(id)
	if m.priority != nil {
		m.priority.Cancel(id)
	}
	m.cache.ReleaseInFlight(id)
}

// CancelAll cancels both queues; pending completion callbacks are fulfilled
// with failure as the tasks report their cancellation.
func (m *Manager) CancelAll() {
	m.normal.CancelAll()
	if m.priority != nil {
		m.priority.CancelAll()
	}
}

// SetActive starts or stops both queues.
func (m *Manager) SetActive(active bool) {
	m.normal.SetActive(active)
	if m.priority != nil {
		m.priority.SetActive(active)
	}
}

// Resume reactivates both queues and reconciles transport-level persisted
// transfers from a previous process lifetime.
func (m *Manager) Resume() {
	m.SetActive(true)
	m.normal.EnqueuePending()
	if m.priority != nil {
		m.priority.EnqueuePending()
	}
}

// AddObserver registers a lifecycle observer.
func (m *Manager) AddObserver(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	m.observers[o] = struct{}{}
	m.mu.Unlock()
}

// RemoveObserver unregisters a lifecycle observer.
func (m *Manager) RemoveObserver(o Observer) {
	m.mu.Lock()
	delete(m.observers, o)
	m.mu.Unlock()
}

// AddResourceCompletion registers a callback fired exactly once when the
// resource reaches a terminal state. A resource that is already materialized
// completes immediately with success.
func (m *Manager) AddResourceCompletion(res resource.ResourceFile, fn CompletionFunc) {
	if fn == nil {
		return
	}
	if m.cache.IsAvailable(&res) && !m.cache.InFlight(res.ID) {
		fn(true, res.ID)
		return
	}
	m.mu.Lock()
	m.completions[res.ID] = append(m.completions[res.ID], fn)
	m.mu.Unlock()
}

// observerSnapshot clones the observer set so fan-out never holds the lock.
func (m *Manager) observerSnapshot() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Observer, 0, len(m.observers))
	for o := range m.observers {
		out = append(out, o)
	}
	return out
}

// fanOut invokes fn for each registered observer, swallowing panics so an
// observer bug never unwinds into the queue.
func (m *Manager) fanOut(fn func(Observer)) {
	for _, o := range m.observerSnapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Observer callback panicked", "panic", r)
				}
			}()
			fn(o)
		}()
	}
}

// fireCompletions invokes and removes the completion callbacks for an id.
func (m *Manager) fireCompletions(id string, success bool) {
	m.mu.Lock()
	fns := m.completions[id]
	delete(m.completions, id)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(success, id)
	}
}

// requestFor resolves the request a task is driving.
func (m *Manager) requestFor(t *queue.Task) *resource.DownloadRequest {
	if req := t.Request(); req != nil {
		return req
	}
	return nil
}

// ---------------------------------------------------------------------------
// queue.Observer
// ---------------------------------------------------------------------------

// DownloadDidStart implements queue.Observer.
func (m *Manager) DownloadDidStart(t *queue.Task, d *resource.Downloadable) {
	m.metrics.downloadBegan.Add(1)

	m.mu.Lock()
	m.started[d.ResourceID()] = time.Now()
	m.lastBytes[d.ResourceID()] = 0
	m.mu.Unlock()

	req := m.requestFor(t)
	m.fanOut(func(o Observer) { o.DidStartDownloading(req) })
	m.bus.Publish(Notification{
		Name:         NotificationDownloadDidStart,
		ResourceID:   d.ResourceID(),
		Downloadable: d,
	})
}

// DownloadDidTransferData implements queue.Observer.
func (m *Manager) DownloadDidTransferData(t *queue.Task, d *resource.Downloadable) {
	id := d.ResourceID()
	total := d.TransferredBytes()

	m.mu.Lock()
	prev := m.lastBytes[id]
	delta := total - prev
	if delta < 0 {
		delta = total
	}
	m.lastBytes[id] = total
	startedAt, tracked := m.started[id]
	m.mu.Unlock()

	if prev == 0 && total > 0 {
		m.bus.Publish(Notification{
			Name:         NotificationDownloadDidStartTransfer,
			ResourceID:   id,
			Downloadable: d,
		})
	}
	if delta > 0 {
		m.metrics.bytesTransferred.Add(delta)
	}
	if tracked {
		if elapsed := time.Since(startedAt).Seconds(); elapsed > 0 {
			m.metrics.downloadSpeed.Store(int64(float64(total) / elapsed))
		}
	}

	m.agg.Update(id, progress.Progress{
		TotalUnits:     d.ExpectedBytes(),
		CompletedUnits: total,
	})
}

// DownloadDidFinish implements queue.Observer: the transfer's temp file is
// handed to the cache. A store error is returned to the queue, which retries
// the download through the mirror policy.
func (m *Manager) DownloadDidFinish(t *queue.Task, d *resource.Downloadable, tempPath string) error {
	req, err := m.cache.DownloadFinished(d, tempPath)
	if err != nil {
		return err
	}
	if req == nil {
		req = m.requestFor(t)
	}

	m.metrics.downloadCompleted.Add(1)
	m.clearTransferState(d.ResourceID())
	m.agg.Complete(d.ResourceID(), nil)

	m.fanOut(func(o Observer) { o.DidFinishDownload(req, nil) })
	m.fireCompletions(d.ResourceID(), true)
	m.bus.Publish(Notification{
		Name:         NotificationDownloadDidFinish,
		ResourceID:   d.ResourceID(),
		Downloadable: d,
	})
	return nil
}

// DownloadWillRetry implements queue.Observer.
func (m *Manager) DownloadWillRetry(t *queue.Task, failed, next *resource.Downloadable, cause error) {
	m.metrics.retried.Add(1)

	m.mu.Lock()
	m.lastBytes[failed.ResourceID()] = 0
	m.mu.Unlock()

	m.agg.Retry(failed.ResourceID(), progress.Progress{TotalUnits: next.ExpectedBytes()})

	req := m.requestFor(t)
	m.fanOut(func(o Observer) { o.WillRetryFailedDownload(req, next.Mirror(), cause) })
}

// DownloadDidFail implements queue.Observer: exactly one terminal failure
// callback per task.
func (m *Manager) DownloadDidFail(t *queue.Task, err error) {
	id := t.ID()
	if cerrors.Is(err, cerrors.ErrDownloadCancelled) {
		m.metrics.cancelled.Add(1)
	} else {
		m.metrics.failed.Add(1)
	}

	m.cache.ReleaseInFlight(id)
	m.clearTransferState(id)
	m.agg.Complete(id, err)

	req := m.requestFor(t)
	m.fanOut(func(o Observer) { o.DidFinishDownload(req, err) })
	m.fireCompletions(id, false)
	m.bus.Publish(Notification{
		Name:       NotificationDownloadError,
		ResourceID: id,
		Err:        err,
	})
}

func (m *Manager) clearTransferState(id string) {
	m.mu.Lock()
	delete(m.lastBytes, id)
	delete(m.started, id)
	m.mu.Unlock()
}
