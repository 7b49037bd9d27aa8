package processor

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

// HTTPConfig holds configuration for the HTTP processor.
type HTTPConfig struct {
	// Name identifies the processor instance in logs ("http", "http-priority").
	Name string

	// StateDir is where the resume journal and temp files live.
	StateDir string

	// RequestTimeout bounds the wait for response headers once the request
	// is written; connection establishment and the body stream are not
	// bounded by it.
	RequestTimeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// GlobalBytesPerSec throttles all transfers of this processor combined
	// (0 = unlimited).
	GlobalBytesPerSec int64

	// ProgressInterval throttles DownloadDidTransferData events per transfer.
	ProgressInterval time.Duration

	// AllowsExpensiveNetworks marks the session as permitted on metered
	// routes. The processor itself does not read it; the distinction matters
	// to embedding applications that swap transports per network class.
	AllowsExpensiveNetworks bool
}

// DefaultHTTPConfig returns sensible defaults for the normal HTTP session.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Name:             "http",
		RequestTimeout:   30 * time.Second,
		UserAgent:        "fetchkit/1.0",
		ProgressInterval: 500 * time.Millisecond,
	}
}

// HighPriorityHTTPConfig returns the configuration for the priority session:
// same semantics, distinct session, expensive networks allowed.
func HighPriorityHTTPConfig() HTTPConfig {
	cfg := DefaultHTTPConfig()
	cfg.Name = "http-priority"
	cfg.AllowsExpensiveNetworks = true
	return cfg
}

// HTTPProcessor transfers http(s) downloadables onto local temp files. Each
// transfer runs on its own goroutine; events are reported through the single
// observer in emission order per downloadable.
type HTTPProcessor struct {
	cfg      HTTPConfig
	client   *http.Client
	journal  *journal
	limiter  *rate.Limiter
	observer Observer

	mu     sync.Mutex
	paused bool
	gate   chan struct{} // closed when running, replaced when paused
}

// NewHTTPProcessor creates an HTTP processor with its own session.
func NewHTTPProcessor(cfg HTTPConfig) (*HTTPProcessor, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultHTTPConfig().Name
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultHTTPConfig().RequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultHTTPConfig().UserAgent
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultHTTPConfig().ProgressInterval
	}
	if cfg.StateDir == "" {
		cfg.StateDir = os.TempDir()
	}

	j, err := newJournal(cfg.StateDir)
	if err != nil {
		return nil, cerrors.ErrCannotCreateDirectory.WithCause(err)
	}

	var limiter *rate.Limiter
	if cfg.GlobalBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.GlobalBytesPerSec), int(cfg.GlobalBytesPerSec))
	}

	gate := make(chan struct{})
	close(gate)

	return &HTTPProcessor{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.RequestTimeout,
			},
		},
		journal: j,
		limiter: limiter,
		gate:    gate,
	}, nil
}

// Name implements Processor.
func (p *HTTPProcessor) Name() string { return p.cfg.Name }

// SetObserver implements Processor.
func (p *HTTPProcessor) SetObserver(o Observer) { p.observer = o }

// CanProcess implements Processor.
func (p *HTTPProcessor) CanProcess(d *resource.Downloadable) bool {
	return p.CanMaterialize(d.Location())
}

// CanMaterialize implements Processor.
func (p *HTTPProcessor) CanMaterialize(location string) bool {
	return strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://")
}

// Materialize implements Processor.
func (p *HTTPProcessor) Materialize(resourceID string, m resource.Mirror) (*resource.Downloadable, error) {
	if _, err := url.Parse(m.Location); err != nil {
		return nil, cerrors.ErrInvalidURL.WithCause(err)
	}
	return resource.NewDownloadable(resourceID, m), nil
}

// Pause implements Processor: in-flight transfers stall at the next read.
func (p *HTTPProcessor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.gate = make(chan struct{})
		log.Info("HTTP processor paused", "processor", p.cfg.Name)
	}
}

// Resume implements Processor.
func (p *HTTPProcessor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.gate)
		log.Info("HTTP processor resumed", "processor", p.cfg.Name)
	}
}

func (p *HTTPProcessor) currentGate() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate
}

// EnqueuePending implements Processor: descriptors journaled by a previous
// process lifetime are rebuilt into downloadables and restarted.
func (p *HTTPProcessor) EnqueuePending(ctx context.Context) []*resource.Downloadable {
	descs := p.journal.pending()
	if len(descs) == 0 {
		return nil
	}

	recovered := make([]*resource.Downloadable, 0, len(descs))
	for _, desc := range descs {
		d := resource.Restore(desc)
		log.Info("Recovered journaled transfer",
			"processor", p.cfg.Name, "resource", d.ResourceID(), "url", d.Location())
		recovered = append(recovered, d)
		if err := p.Process(ctx, d); err != nil {
			log.Warn("Failed to restart journaled transfer",
				"resource", d.ResourceID(), "error", err)
		}
	}
	return recovered
}

// Process implements Processor. It journals the transfer and runs it on its
// own goroutine.
func (p *HTTPProcessor) Process(ctx context.Context, d *resource.Downloadable) error {
	if p.observer == nil {
		return cerrors.ErrInvalidParameters.WithMessage("no observer installed")
	}
	if !p.CanProcess(d) {
		return cerrors.ErrCannotProcess
	}

	if err := p.journal.record(d); err != nil {
		log.Warn("Failed to journal transfer", "resource", d.ResourceID(), "error", err)
	}

	transferCtx, cancel := context.WithCancel(ctx)
	d.SetCancel(cancel)

	go p.run(transferCtx, cancel, d)
	return nil
}

func (p *HTTPProcessor) run(ctx context.Context, cancel context.CancelFunc, d *resource.Downloadable) {
	defer cancel()

	p.observer.DownloadDidBegin(d)

	tempPath, err := p.transfer(ctx, d)
	p.journal.remove(d.ID())

	if err != nil {
		if tempPath != "" {
			os.Remove(tempPath)
		}
		p.observer.DownloadDidError(d, err)
		return
	}

	p.observer.DownloadDidFinishTransfer(d, tempPath)
	// The callee owns the temp file now; remove whatever it left behind.
	os.Remove(tempPath)
	p.observer.DownloadDidFinish(d)
}

// transfer performs the GET and streams the body to a temp file in the state
// directory. Returns the temp path on success.
func (p *HTTPProcessor) transfer(ctx context.Context, d *resource.Downloadable) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Location(), nil)
	if err != nil {
		return "", cerrors.ErrInvalidURL.WithCause(err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", cerrors.ErrDownloadCancelled.WithCause(ctx.Err())
		}
		return "", cerrors.ErrConnectionFailed.WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", cerrors.ServerError(resp.StatusCode, resp.Status)
	}

	d.SetExpectedBytes(resp.ContentLength)

	tempFile, err := os.CreateTemp(p.cfg.StateDir, "fetchkit-*.part")
	if err != nil {
		return "", cerrors.ErrCacheStorage.WithCause(err)
	}
	tempPath := tempFile.Name()
	defer tempFile.Close()

	started := false
	lastProgress := time.Now()
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			os.Remove(tempPath)
			return "", cerrors.ErrDownloadCancelled.WithCause(ctx.Err())
		case <-p.currentGate():
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if !started {
				started = true
				p.observer.DownloadDidStartTransfer(d)
			}
			if p.limiter != nil {
				if err := p.limiter.WaitN(ctx, n); err != nil {
					os.Remove(tempPath)
					return "", cerrors.ErrDownloadCancelled.WithCause(err)
				}
			}
			if _, writeErr := tempFile.Write(buf[:n]); writeErr != nil {
				os.Remove(tempPath)
				return "", cerrors.ErrCacheStorage.WithCause(writeErr)
			}
			d.AddTransferredBytes(int64(n))

			if now := time.Now(); now.Sub(lastProgress) >= p.cfg.ProgressInterval {
				p.observer.DownloadDidTransferData(d)
				lastProgress = now
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			os.Remove(tempPath)
			if ctx.Err() != nil {
				return "", cerrors.ErrDownloadCancelled.WithCause(ctx.Err())
			}
			return "", cerrors.ErrConnectionFailed.WithCause(readErr)
		}
	}

	// Final update so observers see the complete byte count.
	p.observer.DownloadDidTransferData(d)

	if err := tempFile.Sync(); err != nil {
		os.Remove(tempPath)
		return "", cerrors.ErrCacheStorage.WithCause(err)
	}

	return tempPath, nil
}
