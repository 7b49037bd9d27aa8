package resource

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Downloadable is the runtime handle for one mirror fetch. It is created by
// the mirror policy when a selection is made and owned by the task that is
// driving the resource; processors update its transfer counters and register
// a cancel hook while the transfer is in flight.
type Downloadable struct {
	id         string
	resourceID string
	mirror     Mirror

	priority         atomic.Int64
	expectedBytes    atomic.Int64
	transferredBytes atomic.Int64

	mu        sync.Mutex
	cancelFn  func()
	cancelled bool
}

// NewDownloadable materializes a handle for one fetch of resourceID from mirror.
func NewDownloadable(resourceID string, mirror Mirror) *Downloadable {
	return &Downloadable{
		id:         uuid.New().String(),
		resourceID: resourceID,
		mirror:     mirror,
	}
}

// ID returns the unique identifier of this fetch attempt.
func (d *Downloadable) ID() string { return d.id }

// ResourceID returns the id of the resource this fetch materializes.
func (d *Downloadable) ResourceID() string { return d.resourceID }

// Mirror returns the mirror this fetch reads from.
func (d *Downloadable) Mirror() Mirror { return d.mirror }

// Location returns the mirror URI.
func (d *Downloadable) Location() string { return d.mirror.Location }

// Priority returns the scheduling priority (higher dequeues first).
func (d *Downloadable) Priority() int { return int(d.priority.Load()) }

// SetPriority sets the scheduling priority. The queue reads the priority when
// a task is enqueued, so a change on a queued item takes effect once the
// caller removes it and enqueues it again; the queue does not reorder in place.
func (d *Downloadable) SetPriority(p int) { d.priority.Store(int64(p)) }

// ExpectedBytes returns the transfer size if the transport announced one.
func (d *Downloadable) ExpectedBytes() int64 { return d.expectedBytes.Load() }

// SetExpectedBytes records the announced transfer size.
func (d *Downloadable) SetExpectedBytes(n int64) {
	if n > 0 {
		d.expectedBytes.Store(n)
	}
}

// TransferredBytes returns the bytes moved so far.
func (d *Downloadable) TransferredBytes() int64 { return d.transferredBytes.Load() }

// AddTransferredBytes bumps the transferred counter and returns the new total.
func (d *Downloadable) AddTransferredBytes(n int64) int64 {
	return d.transferredBytes.Add(n)
}

// SetCancel registers the hook a processor wants invoked on cancellation.
// If the downloadable was already cancelled, the hook runs immediately.
func (d *Downloadable) SetCancel(fn func()) {
	d.mu.Lock()
	cancelled := d.cancelled
	if !cancelled {
		d.cancelFn = fn
	}
	d.mu.Unlock()
	if cancelled && fn != nil {
		fn()
	}
}

// Cancel requests cooperative cancellation of the transfer. The transport
// confirms with a terminal event; callers must not assume the transfer has
// stopped when Cancel returns.
func (d *Downloadable) Cancel() {
	d.mu.Lock()
	fn := d.cancelFn
	d.cancelFn = nil
	d.cancelled = true
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancelled reports whether Cancel has been requested.
func (d *Downloadable) Cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// Descriptor is the durable form of a downloadable, serialized into the
// transport journal so interrupted transfers can be reattached after restart.
type Descriptor struct {
	ID            string `json:"id"`
	ResourceID    string `json:"resource_id"`
	MirrorID      string `json:"mirror_id"`
	Location      string `json:"location"`
	ExpectedBytes int64  `json:"expected_bytes,omitempty"`
}

// Descriptor returns the durable descriptor for this downloadable.
func (d *Downloadable) Descriptor() Descriptor {
	return Descriptor{
		ID:            d.id,
		ResourceID:    d.resourceID,
		MirrorID:      d.mirror.ID,
		Location:      d.mirror.Location,
		ExpectedBytes: d.ExpectedBytes(),
	}
}

// Encode serializes the descriptor to JSON.
func (desc Descriptor) Encode() ([]byte, error) {
	return json.Marshal(desc)
}

// DecodeDescriptor parses a descriptor previously produced by Encode.
func DecodeDescriptor(data []byte) (Descriptor, error) {
	var desc Descriptor
	err := json.Unmarshal(data, &desc)
	return desc, err
}

// Restore rebuilds a downloadable from a journal descriptor. The restored
// handle keeps the original fetch id so progress observers stay coherent.
func Restore(desc Descriptor) *Downloadable {
	d := &Downloadable{
		id:         desc.ID,
		resourceID: desc.ResourceID,
		mirror:     Mirror{ID: desc.MirrorID, Location: desc.Location},
	}
	d.SetExpectedBytes(desc.ExpectedBytes)
	return d
}
