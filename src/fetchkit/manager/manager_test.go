package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/fetchkit/cache"
	"github.com/bitswalk/fetchkit/src/fetchkit/db"
	"github.com/bitswalk/fetchkit/src/fetchkit/mirror"
	"github.com/bitswalk/fetchkit/src/fetchkit/processor"
	"github.com/bitswalk/fetchkit/src/fetchkit/queue"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// lifecycleObserver records manager callbacks and signals terminal events.
type lifecycleObserver struct {
	mu       sync.Mutex
	events   []string
	retryTo  []string
	terminal chan string
}

func newLifecycleObserver() *lifecycleObserver {
	return &lifecycleObserver{terminal: make(chan string, 16)}
}

func (o *lifecycleObserver) DidStartDownloading(req *resource.DownloadRequest) {
	o.record("start:" + req.ID())
}

func (o *lifecycleObserver) WillRetryFailedDownload(req *resource.DownloadRequest, next resource.Mirror, cause error) {
	o.mu.Lock()
	o.retryTo = append(o.retryTo, next.ID)
	o.mu.Unlock()
	o.record("retry:" + req.ID())
}

func (o *lifecycleObserver) DidFinishDownload(req *resource.DownloadRequest, err error) {
	if err == nil {
		o.record("finish:" + req.ID())
	} else {
		o.record("fail:" + req.ID())
	}
	o.terminal <- req.ID()
}

func (o *lifecycleObserver) record(event string) {
	o.mu.Lock()
	o.events = append(o.events, event)
	o.mu.Unlock()
}

func (o *lifecycleObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *lifecycleObserver) waitTerminal(t *testing.T, id string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case got := <-o.terminal:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to finish", id)
		}
	}
}

// newHTTPEngine wires a full engine over real HTTP processors.
func newHTTPEngine(t *testing.T, retryBudget int) (*Manager, *lifecycleObserver) {
	t.Helper()

	database, err := db.New(db.Config{Path: ""})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Shutdown() })

	httpProc, err := processor.NewHTTPProcessor(processor.HTTPConfig{
		Name:     "http",
		StateDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	registry := processor.NewRegistry(httpProc)
	policy := mirror.NewWeightedPolicy(registry, mirror.Config{RetryBudget: retryBudget})

	repo := db.NewLocalFileRepository(database)
	base := t.TempDir()
	store, err := cache.New(cache.Config{
		SupportDir: filepath.Join(base, "support"),
		CacheDir:   filepath.Join(base, "cache"),
	}, repo, policy, nil)
	if err != nil {
		t.Fatal(err)
	}

	normal := queue.NewQueue(context.Background(), queue.Config{Name: "normal", SimultaneousDownloads: 4},
		registry, policy, store.RecoveredRequestResolver())

	m := New(store, policy, normal, nil)
	o := newLifecycleObserver()
	m.AddObserver(o)
	return m, o
}

func singleMirrorResource(id, url string) resource.ResourceFile {
	return resource.ResourceFile{
		ID:   id,
		Main: resource.Mirror{ID: id + "-main", Location: url},
	}
}

func TestManager_HappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset-bytes"))
	}))
	defer server.Close()

	m, o := newHTTPEngine(t, 3)
	res := singleMirrorResource("r1", server.URL+"/a.bin")

	reqs := m.Request([]resource.ResourceFile{res}, resource.DefaultOptions())
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	m.ProcessAll(reqs, resource.PriorityNormal)
	o.waitTerminal(t, "r1")

	events := o.snapshot()
	want := []string{"start:r1", "finish:r1"}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Errorf("event order %v, want %v", events, want)
	}

	if !m.Cache().IsAvailable(&res) {
		t.Error("resource not available after download")
	}

	snap := m.Metrics()
	if snap.Requested != 1 || snap.DownloadBegan != 1 || snap.DownloadCompleted != 1 ||
		snap.Failed != 0 || snap.Retried != 0 {
		t.Errorf("metrics %+v", snap)
	}
}

func TestManager_MirrorFallover(t *testing.T) {
	var failures atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failures.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("good-bytes"))
	}))
	defer good.Close()

	m, o := newHTTPEngine(t, 3)

	res := resource.ResourceFile{
		ID:   "r1",
		Main: resource.Mirror{ID: "main", Location: bad.URL + "/main"},
		Alternatives: []resource.Mirror{
			{ID: "m1", Location: bad.URL + "/m1",
				Info: map[string]interface{}{resource.WeightKey: 10}},
			{ID: "m2", Location: good.URL + "/m2",
				Info: map[string]interface{}{resource.WeightKey: 1}},
		},
	}

	reqs := m.Request([]resource.ResourceFile{res}, resource.DefaultOptions())
	m.ProcessAll(reqs, resource.PriorityNormal)
	o.waitTerminal(t, "r1")

	events := o.snapshot()
	if events[len(events)-1] != "finish:r1" {
		t.Errorf("expected success after fallover, events %v", events)
	}

	o.mu.Lock()
	retries := append([]string(nil), o.retryTo...)
	o.mu.Unlock()
	if len(retries) != 1 || retries[0] != "m2" {
		t.Errorf("expected one retry to m2, got %v", retries)
	}

	snap := m.Metrics()
	if snap.Retried != 1 || snap.DownloadCompleted != 1 || snap.Failed != 0 {
		t.Errorf("metrics %+v", snap)
	}
}

func TestManager_Exhaustion(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	m, o := newHTTPEngine(t, 3)
	res := singleMirrorResource("r1", bad.URL+"/a.bin")

	var completions atomic.Int64
	var lastSuccess atomic.Bool
	m.AddResourceCompletion(res, func(success bool, id string) {
		completions.Add(1)
		lastSuccess.Store(success)
	})

	reqs := m.Request([]resource.ResourceFile{res}, resource.DefaultOptions())
	m.ProcessAll(reqs, resource.PriorityNormal)
	o.waitTerminal(t, "r1")

	snap := m.Metrics()
	if snap.Retried != 2 || snap.Failed != 1 || snap.DownloadCompleted != 0 {
		t.Errorf("metrics %+v", snap)
	}
	if completions.Load() != 1 || lastSuccess.Load() {
		t.Errorf("completion fired %d times, success=%v", completions.Load(), lastSuccess.Load())
	}
	if m.Cache().InFlight("r1") {
		t.Error("failed resource still in-flight")
	}

	events := o.snapshot()
	if events[len(events)-1] != "fail:r1" {
		t.Errorf("expected terminal failure, events %v", events)
	}
}

func TestManager_IdempotentRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	defer server.Close()

	m, o := newHTTPEngine(t, 3)
	res := singleMirrorResource("r1", server.URL+"/a.bin")

	reqs := m.Request([]resource.ResourceFile{res}, resource.DefaultOptions())
	m.ProcessAll(reqs, resource.PriorityNormal)
	o.waitTerminal(t, "r1")

	eventsBefore := len(o.snapshot())

	again := m.Request([]resource.ResourceFile{res}, resource.DefaultOptions())
	if len(again) != 0 {
		t.Errorf("second request produced %d downloads", len(again))
	}
	if got := len(o.snapshot()); got != eventsBefore {
		t.Error("idempotent request emitted lifecycle events")
	}

	// A completion registered for an already-materialized resource resolves
	// immediately.
	fired := false
	m.AddResourceCompletion(res, func(success bool, id string) {
		fired = success
	})
	if !fired {
		t.Error("completion for materialized resource did not fire immediately")
	}
}

func TestManager_RequestDeduplicatesByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset"))
	}))
	defer server.Close()

	m, _ := newHTTPEngine(t, 3)
	res := singleMirrorResource("r1", server.URL+"/a.bin")

	reqs := m.Request([]resource.ResourceFile{res, res, res}, resource.DefaultOptions())
	if len(reqs) != 1 {
		t.Errorf("duplicate ids produced %d requests", len(reqs))
	}
	if m.Metrics().Requested != 1 {
		t.Errorf("requested metric %d, want 1", m.Metrics().Requested)
	}
}

// ---------------------------------------------------------------------------
// Urgent reprioritization over fake processors
// ---------------------------------------------------------------------------

// holdProcessor accepts fake:// transfers and holds them until released.
type holdProcessor struct {
	observer processor.Observer
	mu       sync.Mutex
	held     map[string]*resource.Downloadable
	order    []string
}

func newHoldProcessor() *holdProcessor {
	return &holdProcessor{held: make(map[string]*resource.Downloadable)}
}

func (p *holdProcessor) Name() string                     { return "hold" }
func (p *holdProcessor) SetObserver(o processor.Observer) { p.observer = o }
func (p *holdProcessor) Pause()                           {}
func (p *holdProcessor) Resume()                          {}
func (p *holdProcessor) EnqueuePending(ctx context.Context) []*resource.Downloadable {
	return nil
}

func (p *holdProcessor) CanProcess(d *resource.Downloadable) bool {
	return p.CanMaterialize(d.Location())
}

func (p *holdProcessor) CanMaterialize(location string) bool {
	return strings.HasPrefix(location, "fake://")
}

func (p *holdProcessor) Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error) {
	return resource.NewDownloadable(resourceID, m), nil
}

func (p *holdProcessor) Process(ctx context.Context, d *resource.Downloadable) error {
	p.mu.Lock()
	p.held[d.ResourceID()] = d
	p.order = append(p.order, d.ResourceID())
	p.mu.Unlock()
	d.SetCancel(func() {
		p.observer.DownloadDidError(d, cerrors.ErrDownloadCancelled)
	})
	return nil
}

func (p *holdProcessor) release(t *testing.T, tmpDir, id string) {
	p.mu.Lock()
	d := p.held[id]
	delete(p.held, id)
	p.mu.Unlock()
	if d == nil {
		t.Fatalf("no held transfer for %s", id)
	}
	temp := filepath.Join(tmpDir, id+".part")
	if err := os.WriteFile(temp, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	p.observer.DownloadDidFinishTransfer(d, temp)
	p.observer.DownloadDidFinish(d)
}

func (p *holdProcessor) processedOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func fakeResource(id string) resource.ResourceFile {
	return resource.ResourceFile{
		ID:   id,
		Main: resource.Mirror{ID: id + "-main", Location: "fake://" + id},
	}
}

func newFakeEngine(t *testing.T, normalCap, priorityCap int) (*Manager, *holdProcessor, *holdProcessor, *lifecycleObserver) {
	t.Helper()

	database, err := db.New(db.Config{Path: ""})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Shutdown() })

	normalProc := newHoldProcessor()
	priorityProc := newHoldProcessor()
	normalRegistry := processor.NewRegistry(normalProc)
	priorityRegistry := processor.NewRegistry(priorityProc)

	policy := mirror.NewWeightedPolicy(normalRegistry, mirror.DefaultConfig())

	repo := db.NewLocalFileRepository(database)
	base := t.TempDir()
	store, err := cache.New(cache.Config{
		SupportDir: filepath.Join(base, "support"),
		CacheDir:   filepath.Join(base, "cache"),
	}, repo, policy, nil)
	if err != nil {
		t.Fatal(err)
	}

	normal := queue.NewQueue(context.Background(),
		queue.Config{Name: "normal", SimultaneousDownloads: normalCap},
		normalRegistry, policy, store.RecoveredRequestResolver())
	priority := queue.NewQueue(context.Background(),
		queue.Config{Name: "priority", SimultaneousDownloads: priorityCap},
		priorityRegistry, policy, store.RecoveredRequestResolver())

	m := New(store, policy, normal, priority)
	o := newLifecycleObserver()
	m.AddObserver(o)
	return m, normalProc, priorityProc, o
}

func TestManager_UrgentReprioritization(t *testing.T) {
	m, normalProc, priorityProc, _ := newFakeEngine(t, 20, 1)

	// Occupy the priority queue so A and B stay pending on it.
	blocker := m.Request([]resource.ResourceFile{fakeResource("blocker")}, resource.DefaultOptions())
	m.ProcessAll(blocker, resource.PriorityHigh)

	ab := m.Request([]resource.ResourceFile{fakeResource("A"), fakeResource("B")}, resource.DefaultOptions())
	for _, req := range ab {
		req.Initial.SetPriority(5)
	}
	m.ProcessAll(ab, resource.PriorityHigh)

	if got := priorityProc.processedOrder(); len(got) != 1 {
		t.Fatalf("expected only the blocker running on the priority queue, got %v", got)
	}

	// Urgent batch C, D preempts the pending priority items.
	cd := m.Request([]resource.ResourceFile{fakeResource("C"), fakeResource("D")}, resource.DefaultOptions())
	m.ProcessAll(cd, resource.PriorityUrgent)

	// A and B moved onto the normal queue and dispatch there.
	normalOrder := normalProc.processedOrder()
	if len(normalOrder) != 2 {
		t.Fatalf("expected A and B on the normal queue, got %v", normalOrder)
	}
	for _, id := range normalOrder {
		if id != "A" && id != "B" {
			t.Errorf("unexpected task %q on the normal queue", id)
		}
	}

	snap := m.Metrics()
	if snap.PriorityIncreased != 2 || snap.PriorityDecreased != 2 {
		t.Errorf("priority metrics %+v", snap)
	}

	// The urgent batch queues on the priority queue behind the blocker.
	tmp := t.TempDir()
	priorityProc.release(t, tmp, "blocker")
	order := priorityProc.processedOrder()
	if len(order) != 2 {
		t.Fatalf("expected one urgent task dispatched after blocker, got %v", order)
	}
	if order[1] != "C" && order[1] != "D" {
		t.Errorf("expected an urgent task after the blocker, got %q", order[1])
	}
}

func TestManager_HighPriorityPullsFromNormalQueue(t *testing.T) {
	m, normalProc, priorityProc, _ := newFakeEngine(t, 1, 1)

	// Fill the normal queue: one running, one pending.
	first := m.Request([]resource.ResourceFile{fakeResource("running")}, resource.DefaultOptions())
	m.ProcessAll(first, resource.PriorityNormal)
	pending := m.Request([]resource.ResourceFile{fakeResource("promoted")}, resource.DefaultOptions())
	m.ProcessAll(pending, resource.PriorityNormal)

	if got := normalProc.processedOrder(); len(got) != 1 {
		t.Fatalf("setup: expected one running task, got %v", got)
	}

	// Re-processing the pending request at high pulls it off the normal queue.
	m.ProcessAll(pending, resource.PriorityHigh)

	if got := priorityProc.processedOrder(); len(got) != 1 || got[0] != "promoted" {
		t.Errorf("promoted task not dispatched on priority queue: %v", got)
	}
}

func TestManager_CancelAllFulfilsCompletionsWithFailure(t *testing.T) {
	m, normalProc, _, o := newFakeEngine(t, 1, 1)

	reqs := m.Request([]resource.ResourceFile{fakeResource("a"), fakeResource("b")}, resource.DefaultOptions())
	m.ProcessAll(reqs, resource.PriorityNormal)

	results := make(chan bool, 2)
	for _, req := range reqs {
		m.AddResourceCompletion(req.Resource, func(success bool, id string) {
			results <- success
		})
	}

	m.CancelAll()
	// CancelAll cancels queued tasks before running ones, and waitTerminal
	// discards other ids, so the queued b is awaited first.
	o.waitTerminal(t, "b")
	o.waitTerminal(t, "a")

	for i := 0; i < 2; i++ {
		select {
		case success := <-results:
			if success {
				t.Error("cancelled resource completed successfully")
			}
		case <-time.After(time.Second):
			t.Fatal("completion callback not fired after CancelAll")
		}
	}

	snap := m.Metrics()
	if snap.Cancelled != 2 {
		t.Errorf("cancelled metric %d, want 2", snap.Cancelled)
	}
	if got := normalProc.processedOrder(); len(got) != 1 {
		t.Errorf("only the running task should have reached the processor, got %v", got)
	}
}

func TestManager_ObserverRemoveStopsCallbacks(t *testing.T) {
	m, normalProc, _, o := newFakeEngine(t, 1, 1)

	reqs := m.Request([]resource.ResourceFile{fakeResource("a")}, resource.DefaultOptions())
	m.RemoveObserver(o)
	m.ProcessAll(reqs, resource.PriorityNormal)

	tmp := t.TempDir()
	normalProc.release(t, tmp, "a")

	if got := o.snapshot(); len(got) != 0 {
		t.Errorf("removed observer still received events: %v", got)
	}
}
