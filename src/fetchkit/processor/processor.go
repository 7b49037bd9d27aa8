// Package processor provides the transport adapters that turn downloadables
// into bytes on disk. Processors are interchangeable behind a small contract;
// the download queue routes each downloadable to the first processor that
// accepts its location scheme.
package processor

import (
	"context"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the processor package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Observer receives lifecycle events for downloadables handed to a processor.
// Events for a given downloadable are delivered in emission order; the
// terminal event for a transfer is exactly one of DownloadDidFinishTransfer
// followed by DownloadDidFinish, or DownloadDidError.
type Observer interface {
	// DownloadDidBegin fires when the processor accepts the transfer.
	DownloadDidBegin(d *resource.Downloadable)

	// DownloadDidStartTransfer fires when the first byte arrives.
	DownloadDidStartTransfer(d *resource.Downloadable)

	// DownloadDidTransferData fires on throttled byte-count updates.
	DownloadDidTransferData(d *resource.Downloadable)

	// DownloadDidFinishTransfer hands over a temporary file owned by the
	// callee: it must move or copy the file before returning.
	DownloadDidFinishTransfer(d *resource.Downloadable, tempPath string)

	// DownloadDidError fires when the transfer fails or is cancelled.
	DownloadDidError(d *resource.Downloadable, err error)

	// DownloadDidFinish fires after DownloadDidFinishTransfer returns.
	DownloadDidFinish(d *resource.Downloadable)
}

// Processor is a concrete transport. Process must not block the caller: it
// registers the transfer and performs the work asynchronously, reporting
// through the observer.
type Processor interface {
	// Name identifies the processor in logs.
	Name() string

	// CanProcess reports whether this processor handles the downloadable's
	// location scheme.
	CanProcess(d *resource.Downloadable) bool

	// CanMaterialize reports whether this processor handles the location.
	CanMaterialize(location string) bool

	// Materialize builds a downloadable for a fetch of the resource from the
	// given mirror.
	Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error)

	// Process starts the transfer. The observer must already be set.
	Process(ctx context.Context, d *resource.Downloadable) error

	// Pause suspends in-flight transfers without losing their state.
	Pause()

	// Resume lifts a previous Pause.
	Resume()

	// EnqueuePending reconciles with transport-level persisted state and
	// returns downloadables recovered from a previous process lifetime.
	// Recovered transfers restart from their journal descriptors.
	EnqueuePending(ctx context.Context) []*resource.Downloadable

	// SetObserver installs the single event observer.
	SetObserver(o Observer)
}

// Registry is an ordered set of processors that doubles as the mirror
// policy's materializer: a location is materializable when any registered
// processor accepts it.
type Registry struct {
	processors []Processor
}

// NewRegistry creates a registry over the given processors, tried in order.
func NewRegistry(processors ...Processor) *Registry {
	return &Registry{processors: processors}
}

// Processors returns the registered processors in routing order.
func (r *Registry) Processors() []Processor {
	return r.processors
}

// For returns the first processor accepting the downloadable, or nil.
func (r *Registry) For(d *resource.Downloadable) Processor {
	for _, p := range r.processors {
		if p.CanProcess(d) {
			return p
		}
	}
	return nil
}

// CanMaterialize implements mirror.Materializer.
func (r *Registry) CanMaterialize(location string) bool {
	for _, p := range r.processors {
		if p.CanMaterialize(location) {
			return true
		}
	}
	return false
}

// Materialize implements mirror.Materializer.
func (r *Registry) Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error) {
	for _, p := range r.processors {
		if p.CanMaterialize(m.Location) {
			return p.Materialize(resourceID, m)
		}
	}
	return nil, cerrors.ErrUnsupportedType
}
