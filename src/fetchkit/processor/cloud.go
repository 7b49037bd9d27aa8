package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// cloudScheme is the location scheme routed to the cloud-asset processor:
// cloudkit://<container>[:<zone>:<owner>]:<recordType>:<recordID>
const cloudScheme = "cloudkit://"

// RecordID names one asset record in the cloud asset service.
type RecordID struct {
	Container  string
	Zone       string
	Owner      string
	RecordType string
	RecordName string
}

// String re-assembles the canonical location for the record.
func (r RecordID) String() string {
	if r.Zone != "" || r.Owner != "" {
		return fmt.Sprintf("%s%s:%s:%s:%s:%s",
			cloudScheme, r.Container, r.Zone, r.Owner, r.RecordType, r.RecordName)
	}
	return fmt.Sprintf("%s%s:%s:%s", cloudScheme, r.Container, r.RecordType, r.RecordName)
}

// ParseRecordID parses a cloudkit:// location.
func ParseRecordID(location string) (RecordID, error) {
	if !strings.HasPrefix(location, cloudScheme) {
		return RecordID{}, cerrors.ErrInvalidRecordID.WithMessagef("not a cloud location: %s", location)
	}
	parts := strings.Split(strings.TrimPrefix(location, cloudScheme), ":")
	switch len(parts) {
	case 3:
		return RecordID{Container: parts[0], RecordType: parts[1], RecordName: parts[2]}, nil
	case 5:
		return RecordID{
			Container: parts[0], Zone: parts[1], Owner: parts[2],
			RecordType: parts[3], RecordName: parts[4],
		}, nil
	default:
		return RecordID{}, cerrors.ErrInvalidRecordID.WithMessagef("malformed cloud location: %s", location)
	}
}

// RecordResult is the per-record outcome of a batch fetch. On success Path
// points to a temp file owned by the receiver of the result.
type RecordResult struct {
	ID   RecordID
	Path string
	Size int64
	Err  error
}

// RecordFetcher retrieves a batch of asset records in one service round trip.
// The returned slice carries one result per requested id, order preserved.
type RecordFetcher interface {
	Fetch(ctx context.Context, ids []RecordID) ([]RecordResult, error)
}

// CloudConfig holds configuration for the cloud-asset processor.
type CloudConfig struct {
	// ThrottleWindow is how long the processor coalesces requests before
	// issuing one batched fetch, to stay under service rate limits.
	ThrottleWindow time.Duration
}

// DefaultCloudConfig returns the default batching configuration.
func DefaultCloudConfig() CloudConfig {
	return CloudConfig{ThrottleWindow: 500 * time.Millisecond}
}

type cloudPending struct {
	id RecordID
	d  *resource.Downloadable
}

// CloudProcessor batches cloudkit:// downloadables over a small throttle
// window and issues one fetch per window for all pending record ids.
// Per-record completion events are routed back to the originating
// downloadable.
type CloudProcessor struct {
	cfg      CloudConfig
	fetcher  RecordFetcher
	observer Observer

	mu      sync.Mutex
	pending []cloudPending
	timer   *time.Timer
	paused  bool
	ctx     context.Context
}

// NewCloudProcessor creates a cloud-asset processor over the given fetcher.
func NewCloudProcessor(fetcher RecordFetcher, cfg CloudConfig) *CloudProcessor {
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = DefaultCloudConfig().ThrottleWindow
	}
	return &CloudProcessor{
		cfg:     cfg,
		fetcher: fetcher,
	}
}

// Name implements Processor.
func (p *CloudProcessor) Name() string { return "cloud" }

// SetObserver implements Processor.
func (p *CloudProcessor) SetObserver(o Observer) { p.observer = o }

// CanProcess implements Processor.
func (p *CloudProcessor) CanProcess(d *resource.Downloadable) bool {
	return p.CanMaterialize(d.Location())
}

// CanMaterialize implements Processor.
func (p *CloudProcessor) CanMaterialize(location string) bool {
	_, err := ParseRecordID(location)
	return err == nil
}

// Materialize implements Processor.
func (p *CloudProcessor) Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error) {
	if _, err := ParseRecordID(m.Location); err != nil {
		return nil, err
	}
	return resource.NewDownloadable(resourceID, m), nil
}

// Pause implements Processor: batches stop flushing until Resume.
func (p *CloudProcessor) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	log.Info("Cloud processor paused")
}

// Resume implements Processor.
func (p *CloudProcessor) Resume() {
	p.mu.Lock()
	p.paused = false
	hasPending := len(p.pending) > 0
	ctx := p.ctx
	p.mu.Unlock()
	log.Info("Cloud processor resumed")
	if hasPending && ctx != nil {
		p.scheduleFlush(ctx)
	}
}

// EnqueuePending implements Processor. The cloud service keeps no client-side
// transfer state, so there is nothing to recover.
func (p *CloudProcessor) EnqueuePending(ctx context.Context) []*resource.Downloadable {
	return nil
}

// Process implements Processor: the downloadable joins the current batch.
func (p *CloudProcessor) Process(ctx context.Context, d *resource.Downloadable) error {
	if p.observer == nil {
		return cerrors.ErrInvalidParameters.WithMessage("no observer installed")
	}
	id, err := ParseRecordID(d.Location())
	if err != nil {
		return cerrors.ErrCannotProcess.WithCause(err)
	}

	p.observer.DownloadDidBegin(d)

	p.mu.Lock()
	p.ctx = ctx
	p.pending = append(p.pending, cloudPending{id: id, d: d})
	p.mu.Unlock()

	p.scheduleFlush(ctx)
	return nil
}

// scheduleFlush arms the throttle timer if it is not already running.
func (p *CloudProcessor) scheduleFlush(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil || p.paused || len(p.pending) == 0 {
		return
	}
	p.timer = time.AfterFunc(p.cfg.ThrottleWindow, func() {
		p.flush(ctx)
	})
}

// flush drains the batch and issues one fetch for every pending record id.
func (p *CloudProcessor) flush(ctx context.Context) {
	p.mu.Lock()
	p.timer = nil
	if p.paused {
		p.mu.Unlock()
		return
	}
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	// Drop cancelled entries before spending a service round trip on them.
	live := batch[:0]
	for _, e := range batch {
		if e.d.Cancelled() {
			p.observer.DownloadDidError(e.d, cerrors.ErrDownloadCancelled)
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		return
	}

	ids := make([]RecordID, len(live))
	for i, e := range live {
		ids[i] = e.id
	}

	log.Debug("Fetching cloud asset batch", "records", len(ids))

	results, err := p.fetcher.Fetch(ctx, ids)
	if err != nil {
		failure := cerrors.ErrCloudUnavailable.WithCause(err)
		for _, e := range live {
			p.observer.DownloadDidError(e.d, failure)
		}
		return
	}

	byID := make(map[RecordID]RecordResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	for _, e := range live {
		r, ok := byID[e.id]
		if !ok {
			p.observer.DownloadDidError(e.d, cerrors.ErrNoRecord)
			continue
		}
		if r.Err != nil {
			p.observer.DownloadDidError(e.d, r.Err)
			continue
		}
		e.d.SetExpectedBytes(r.Size)
		p.observer.DownloadDidStartTransfer(e.d)
		e.d.AddTransferredBytes(r.Size)
		p.observer.DownloadDidTransferData(e.d)
		p.observer.DownloadDidFinishTransfer(e.d, r.Path)
		p.observer.DownloadDidFinish(e.d)
	}
}
