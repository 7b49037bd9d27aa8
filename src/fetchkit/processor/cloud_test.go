package processor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// fakeFetcher serves records from an in-memory map and counts batch calls.
type fakeFetcher struct {
	t       *testing.T
	mu      sync.Mutex
	records map[RecordID]string
	batches [][]RecordID
}

func (f *fakeFetcher) Fetch(ctx context.Context, ids []RecordID) ([]RecordResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	f.mu.Unlock()

	results := make([]RecordResult, 0, len(ids))
	for _, id := range ids {
		data, ok := f.records[id]
		if !ok {
			results = append(results, RecordResult{ID: id, Err: cerrors.ErrRecordNotFound})
			continue
		}
		path := filepath.Join(f.t.TempDir(), "record.part")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			f.t.Fatal(err)
		}
		results = append(results, RecordResult{ID: id, Path: path, Size: int64(len(data))})
	}
	return results, nil
}

func (f *fakeFetcher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestParseRecordID(t *testing.T) {
	short, err := ParseRecordID("cloudkit://assets:Resource:rec-1")
	if err != nil {
		t.Fatalf("short form failed: %v", err)
	}
	if short.Container != "assets" || short.RecordType != "Resource" || short.RecordName != "rec-1" {
		t.Errorf("short form parsed wrong: %+v", short)
	}

	long, err := ParseRecordID("cloudkit://assets:zone1:owner1:Resource:rec-2")
	if err != nil {
		t.Fatalf("long form failed: %v", err)
	}
	if long.Zone != "zone1" || long.Owner != "owner1" || long.RecordName != "rec-2" {
		t.Errorf("long form parsed wrong: %+v", long)
	}
	if long.String() != "cloudkit://assets:zone1:owner1:Resource:rec-2" {
		t.Errorf("round trip mismatch: %s", long.String())
	}

	for _, bad := range []string{"http://x", "cloudkit://only:two", "cloudkit://a:b:c:d"} {
		if _, err := ParseRecordID(bad); err == nil {
			t.Errorf("expected parse failure for %q", bad)
		}
	}
}

func cloudMirror(recordName string) resource.Mirror {
	return resource.Mirror{
		ID:       "cm-" + recordName,
		Location: "cloudkit://assets:Resource:" + recordName,
	}
}

func TestCloudProcessor_BatchesWithinThrottleWindow(t *testing.T) {
	fetcher := &fakeFetcher{t: t, records: map[RecordID]string{
		{Container: "assets", RecordType: "Resource", RecordName: "a"}: "data-a",
		{Container: "assets", RecordType: "Resource", RecordName: "b"}: "data-b",
	}}

	p := NewCloudProcessor(fetcher, CloudConfig{ThrottleWindow: 100 * time.Millisecond})
	o := newRecordingObserver()
	p.SetObserver(o)

	da, _ := p.Materialize("ra", cloudMirror("a"))
	db, _ := p.Materialize("rb", cloudMirror("b"))

	if err := p.Process(context.Background(), da); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	o.wait(t, "ra")
	o.wait(t, "rb")

	if got := fetcher.batchCount(); got != 1 {
		t.Errorf("expected both records in one batch, got %d batches", got)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished["ra"] != "data-a" || o.finished["rb"] != "data-b" {
		t.Errorf("per-record routing wrong: %+v", o.finished)
	}
}

func TestCloudProcessor_MissingRecordFailsOnlyItsDownloadable(t *testing.T) {
	fetcher := &fakeFetcher{t: t, records: map[RecordID]string{
		{Container: "assets", RecordType: "Resource", RecordName: "a"}: "data-a",
	}}

	p := NewCloudProcessor(fetcher, CloudConfig{ThrottleWindow: 20 * time.Millisecond})
	o := newRecordingObserver()
	p.SetObserver(o)

	da, _ := p.Materialize("ra", cloudMirror("a"))
	missing, _ := p.Materialize("rx", cloudMirror("nope"))

	p.Process(context.Background(), da)
	p.Process(context.Background(), missing)

	o.wait(t, "ra")
	o.wait(t, "rx")

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished["ra"] != "data-a" {
		t.Error("good record dragged down by bad one")
	}
	if !cerrors.Is(o.errs["rx"], cerrors.ErrRecordNotFound) {
		t.Errorf("missing record error = %v", o.errs["rx"])
	}
}

func TestCloudProcessor_CancelledBeforeFlushIsDropped(t *testing.T) {
	fetcher := &fakeFetcher{t: t, records: map[RecordID]string{}}
	p := NewCloudProcessor(fetcher, CloudConfig{ThrottleWindow: 50 * time.Millisecond})
	o := newRecordingObserver()
	p.SetObserver(o)

	d, _ := p.Materialize("ra", cloudMirror("a"))
	p.Process(context.Background(), d)
	d.Cancel()

	o.wait(t, "ra")

	if got := fetcher.batchCount(); got != 0 {
		t.Errorf("cancelled record still hit the service: %d batches", got)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !cerrors.Is(o.errs["ra"], cerrors.ErrDownloadCancelled) {
		t.Errorf("expected cancellation, got %v", o.errs["ra"])
	}
}

func TestCloudProcessor_PausedHoldsBatch(t *testing.T) {
	fetcher := &fakeFetcher{t: t, records: map[RecordID]string{
		{Container: "assets", RecordType: "Resource", RecordName: "a"}: "data-a",
	}}
	p := NewCloudProcessor(fetcher, CloudConfig{ThrottleWindow: 10 * time.Millisecond})
	o := newRecordingObserver()
	p.SetObserver(o)
	p.Pause()

	d, _ := p.Materialize("ra", cloudMirror("a"))
	p.Process(context.Background(), d)

	time.Sleep(60 * time.Millisecond)
	if got := fetcher.batchCount(); got != 0 {
		t.Fatalf("paused processor flushed a batch")
	}

	p.Resume()
	o.wait(t, "ra")
}
