// Package cache implements the two-tier download cache: a SQLite database of
// local-file records plus the files themselves under a support (permanent)
// or cache (reclaimable) root, fronted by an in-memory map. The cache
// deduplicates in-flight requests, promotes files between tiers, and cleans
// up orphans.
package cache

import (
	"fmt"
	"image"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cerrors "github.com/bitswalk/fetchkit/src/common/errors"
	"github.com/bitswalk/fetchkit/src/common/logs"
	"github.com/bitswalk/fetchkit/src/fetchkit/db"
	"github.com/bitswalk/fetchkit/src/fetchkit/resource"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the cache package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Policy is the slice of the mirror policy the cache needs: initial
// selections for new requests and the completion hook.
type Policy interface {
	Next(res *resource.ResourceFile, prevMirrorID string, cause error) (*resource.Selection, error)
	DownloadComplete(resourceID string)
}

// resourcesSubdir is the subtree under each storage root holding the files.
const resourcesSubdir = "resources"

// Config holds configuration for the cache.
type Config struct {
	// SupportDir is the durable root for permanent storage.
	SupportDir string

	// CacheDir is the reclaimable root for cached storage.
	CacheDir string

	// PathAttempts bounds the unique-name search on collisions.
	PathAttempts int

	// ImageCacheSize bounds the decoded-image cache.
	ImageCacheSize int
}

// DefaultConfig returns defaults rooted under ~/.fetchkit.
func DefaultConfig() Config {
	return Config{
		SupportDir:     "~/.fetchkit/support",
		CacheDir:       "~/.fetchkit/cache",
		PathAttempts:   10,
		ImageCacheSize: 64,
	}
}

// Cache is the two-tier cache. It is the exclusive owner of local-file
// records, the files under its roots, and the in-flight request map.
type Cache struct {
	cfg    Config
	repo   *db.LocalFileRepository
	memory *MemoryCache
	policy Policy

	mu       sync.Mutex
	inflight map[string]*resource.DownloadRequest
}

// New creates a cache over the given record repository and mirror policy.
// Both storage roots are created eagerly so store failures surface here.
func New(cfg Config, repo *db.LocalFileRepository, policy Policy, decoder ImageDecoder) (*Cache, error) {
	if cfg.PathAttempts < 1 {
		cfg.PathAttempts = DefaultConfig().PathAttempts
	}

	for _, root := range []string{cfg.SupportDir, cfg.CacheDir} {
		if root == "" {
			return nil, cerrors.ErrInvalidPolicyConfiguration.WithMessage("cache roots must be configured")
		}
		if err := os.MkdirAll(filepath.Join(root, resourcesSubdir), 0755); err != nil {
			if os.IsPermission(err) {
				return nil, cerrors.ErrPermissionDenied.WithCause(err)
			}
			return nil, cerrors.ErrCannotCreateDirectory.WithCause(err)
		}
	}

	memory, err := NewMemoryCache(cfg.ImageCacheSize, decoder)
	if err != nil {
		return nil, cerrors.ErrCacheStorage.WithCause(err)
	}

	c := &Cache{
		cfg:      cfg,
		repo:     repo,
		memory:   memory,
		policy:   policy,
		inflight: make(map[string]*resource.DownloadRequest),
	}
	c.warmMemory()
	return c, nil
}

// warmMemory loads the URL map from existing records so isAvailable and
// fileURL answer synchronously from the first call.
func (c *Cache) warmMemory() {
	records, err := c.repo.ListAll()
	if err != nil {
		log.Warn("Failed to warm memory cache", "error", err)
		return
	}
	for _, rec := range records {
		if fileExists(rec.FileURL) {
			c.memory.SetFileURL(rec.ID, rec.FileURL)
		}
	}
}

// Memory exposes the in-memory tier.
func (c *Cache) Memory() *MemoryCache { return c.memory }

func (c *Cache) root(p resource.StoragePriority) string {
	if p == resource.StoragePermanent {
		return c.cfg.SupportDir
	}
	return c.cfg.CacheDir
}

func (c *Cache) resourcesDir(p resource.StoragePriority) string {
	return filepath.Join(c.root(p), resourcesSubdir)
}

// RequestDownloads resolves which of the resources actually need a download
// and registers a request per missing resource in the in-flight map. Already
// materialized, fresh resources are skipped; resources whose storage tier
// differs from the requested one are moved between roots first.
func (c *Cache) RequestDownloads(resources []resource.ResourceFile, opts resource.Options) []*resource.DownloadRequest {
	if opts.StoragePriority == "" {
		opts.StoragePriority = resource.StorageCached
	}

	var requests []*resource.DownloadRequest
	for i := range resources {
		res := resources[i]
		if res.ID == "" {
			continue
		}

		if err := c.reconcileStorage(&res, opts.StoragePriority); err != nil {
			log.Warn("Storage tier reconciliation failed", "resource", res.ID, "error", err)
		}

		if c.IsAvailable(&res) {
			continue
		}

		c.mu.Lock()
		if _, exists := c.inflight[res.ID]; exists {
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()

		sel, err := c.policy.Next(&res, "", nil)
		if err != nil || sel == nil {
			log.Warn("No mirror selection for resource", "resource", res.ID, "error", err)
			continue
		}

		req := &resource.DownloadRequest{
			Resource:      res,
			Options:       opts,
			InitialMirror: sel.Mirror,
			Initial:       sel.Downloadable,
		}

		c.mu.Lock()
		if _, exists := c.inflight[res.ID]; exists {
			// A concurrent caller won the race; observe its request.
			c.mu.Unlock()
			continue
		}
		c.inflight[res.ID] = req
		c.mu.Unlock()

		requests = append(requests, req)
	}
	return requests
}

// reconcileStorage moves an existing record's file between storage tiers when
// the requested tier differs. Per-resource atomicity only.
func (c *Cache) reconcileStorage(res *resource.ResourceFile, want resource.StoragePriority) error {
	rec, err := c.repo.GetByID(res.ID)
	if err != nil {
		return cerrors.ErrCacheDatabase.WithCause(err)
	}
	if rec == nil || rec.Storage == want || !fileExists(rec.FileURL) {
		return nil
	}

	target := filepath.Join(c.resourcesDir(want), filepath.Base(rec.FileURL))
	if err := moveFile(rec.FileURL, target); err != nil {
		return err
	}
	if err := c.repo.UpdateStorage(res.ID, want, target); err != nil {
		// Try to restore the file so record and disk stay consistent.
		if undoErr := moveFile(target, rec.FileURL); undoErr != nil {
			log.Error("Failed to undo tier move after database error",
				"resource", res.ID, "error", undoErr)
		}
		return cerrors.ErrCacheDatabase.WithCause(err)
	}
	c.memory.SetFileURL(res.ID, target)
	log.Debug("Moved resource between storage tiers",
		"resource", res.ID, "storage", string(want))
	return nil
}

// DownloadRequestFor resolves the in-flight request owning a downloadable.
// Matching is by resource id first, then by mirror id, so a retry against a
// different mirror of the same resource still resolves.
func (c *Cache) DownloadRequestFor(d *resource.Downloadable) *resource.DownloadRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req, ok := c.inflight[d.ResourceID()]; ok {
		return req
	}
	mirrorID := d.Mirror().ID
	for _, req := range c.inflight {
		if _, ok := req.Resource.MirrorByID(mirrorID); ok {
			return req
		}
	}
	return nil
}

// DownloadFinished stores a completed transfer: the temp file is moved to a
// uniquely named target under the proper tier subtree, the record is
// upserted, the memory map updated, and the per-mirror retry counters
// cleared. Returns the request that was satisfied.
func (c *Cache) DownloadFinished(d *resource.Downloadable, tempPath string) (*resource.DownloadRequest, error) {
	req := c.DownloadRequestFor(d)
	opts := resource.DefaultOptions()
	if req != nil {
		opts = req.Options
	}

	target, err := c.uniqueTargetPath(d, opts.StoragePriority)
	if err != nil {
		return req, err
	}

	if err := moveFile(tempPath, target); err != nil {
		return req, err
	}
	excludeFromBackup(target)

	now := time.Now()
	rec := &db.LocalFile{
		ID:        d.ResourceID(),
		MirrorID:  d.Mirror().ID,
		FileURL:   target,
		Storage:   opts.StoragePriority,
		CreatedAt: &now,
	}
	if err := c.repo.Upsert(rec); err != nil {
		os.Remove(target)
		return req, cerrors.ErrCacheDatabase.WithCause(err)
	}

	c.memory.SetFileURL(d.ResourceID(), target)
	c.policy.DownloadComplete(d.ResourceID())

	c.mu.Lock()
	delete(c.inflight, d.ResourceID())
	c.mu.Unlock()

	log.Info("Stored downloaded resource",
		"resource", d.ResourceID(), "mirror", d.Mirror().ID,
		"storage", string(opts.StoragePriority), "path", target)
	return req, nil
}

// DownloadFailed records a terminal failure for a downloadable: the in-flight
// entry is released so a later request can try again. Transient failures keep
// the entry, since the queue is still driving retries for it.
func (c *Cache) DownloadFailed(d *resource.Downloadable, cause error) *resource.DownloadRequest {
	req := c.DownloadRequestFor(d)
	if cerrors.Terminal(cause) {
		c.mu.Lock()
		delete(c.inflight, d.ResourceID())
		c.mu.Unlock()
	}
	return req
}

// uniqueTargetPath computes the storage path <resources>/<id>.<uuid><ext>,
// suffixing a counter on the improbable collision and giving up after the
// configured number of attempts.
func (c *Cache) uniqueTargetPath(d *resource.Downloadable, tier resource.StoragePriority) (string, error) {
	dir := c.resourcesDir(tier)
	ext := path.Ext(d.Location())
	if strings.ContainsAny(ext, "/:?&=") {
		ext = ""
	}
	base := fmt.Sprintf("%s.%s%s", d.ResourceID(), uuid.New().String(), ext)

	candidate := filepath.Join(dir, base)
	for attempt := 1; attempt <= c.cfg.PathAttempts; attempt++ {
		if !fileExists(candidate) {
			return candidate, nil
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%s-%d%s",
			d.ResourceID(), uuid.New().String(), attempt, ext))
	}
	return "", cerrors.ErrCannotGenerateLocalPath
}

// IsAvailable reports whether the resource is materialized and fresh: a
// record exists, its file exists, and the record is not older than the
// resource descriptor.
func (c *Cache) IsAvailable(res *resource.ResourceFile) bool {
	rec, err := c.repo.GetByID(res.ID)
	if err != nil || rec == nil {
		return false
	}
	if !fileExists(rec.FileURL) {
		return false
	}
	if res.CreatedAt == nil || rec.CreatedAt == nil {
		return res.CreatedAt == nil
	}
	return !rec.CreatedAt.Before(*res.CreatedAt)
}

// FileURL returns the local path for a materialized resource id.
func (c *Cache) FileURL(id string) (string, bool) {
	if url, ok := c.memory.FileURL(id); ok {
		return url, true
	}
	rec, err := c.repo.GetByID(id)
	if err != nil || rec == nil || !fileExists(rec.FileURL) {
		return "", false
	}
	c.memory.SetFileURL(id, rec.FileURL)
	return rec.FileURL, true
}

// Data returns the stored bytes for a resource id.
func (c *Cache) Data(id string) ([]byte, error) {
	url, ok := c.FileURL(id)
	if !ok {
		return nil, cerrors.ErrFileNotFound
	}
	f, err := os.Open(url)
	if err != nil {
		return nil, cerrors.ErrCacheStorage.WithCause(err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, cerrors.ErrCacheStorage.WithCause(err)
	}
	return data, nil
}

// Image returns the decoded image for a resource id, decoding and caching on
// the first access.
func (c *Cache) Image(id string) (image.Image, error) {
	if img, ok := c.memory.Image(id); ok {
		return img, nil
	}
	data, err := c.Data(id)
	if err != nil {
		return nil, err
	}
	return c.memory.Decode(id, data)
}

// Cleanup scans records and both resources subtrees: records whose file is
// missing are always deleted; files and records whose id is not in keep are
// removed. After cleanup, disk and database agree on exactly the kept ids.
func (c *Cache) Cleanup(keep map[string]struct{}) error {
	records, err := c.repo.ListAll()
	if err != nil {
		return cerrors.ErrCacheDatabase.WithCause(err)
	}

	var kept []string
	for _, rec := range records {
		_, keepIt := keep[rec.ID]
		switch {
		case !fileExists(rec.FileURL):
			if err := c.repo.Delete(rec.ID); err != nil {
				log.Warn("Failed to delete record for missing file", "resource", rec.ID, "error", err)
			}
			c.memory.Remove(rec.ID)
		case !keepIt:
			if err := os.Remove(rec.FileURL); err != nil && !os.IsNotExist(err) {
				log.Warn("Failed to delete file", "path", rec.FileURL, "error", err)
			}
			if err := c.repo.Delete(rec.ID); err != nil {
				log.Warn("Failed to delete record", "resource", rec.ID, "error", err)
			}
			c.memory.Remove(rec.ID)
		default:
			kept = append(kept, rec.ID)
		}
	}

	// Remove orphan files that no record owns.
	for _, tier := range []resource.StoragePriority{resource.StorageCached, resource.StoragePermanent} {
		dir := c.resourcesDir(tier)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			id := resourceIDFromName(e.Name())
			if _, keepIt := keep[id]; keepIt {
				continue
			}
			full := filepath.Join(dir, e.Name())
			if err := os.Remove(full); err != nil {
				log.Warn("Failed to delete orphan file", "path", full, "error", err)
			}
		}
	}

	log.Info("Cache cleanup finished", "kept", len(kept), "scanned", len(records))
	return nil
}

// resourceIDFromName recovers the resource id from a stored file name of the
// form <id>.<uuid><ext>.
func resourceIDFromName(name string) string {
	if i := strings.Index(name, "."); i > 0 {
		return name[:i]
	}
	return name
}

// RecoveredRequestResolver returns a resolver used by queues to reconstruct
// the request behind a transfer recovered from a transport journal. A live
// in-flight request wins; otherwise a request is synthesized from the
// recovered mirror and registered in-flight so the finished transfer has a
// place to land.
func (c *Cache) RecoveredRequestResolver() func(d *resource.Downloadable) *resource.DownloadRequest {
	return func(d *resource.Downloadable) *resource.DownloadRequest {
		if d.ResourceID() == "" {
			return nil
		}
		if req := c.DownloadRequestFor(d); req != nil {
			return req
		}

		req := &resource.DownloadRequest{
			Resource: resource.ResourceFile{
				ID:   d.ResourceID(),
				Main: d.Mirror(),
			},
			Options:       resource.DefaultOptions(),
			InitialMirror: d.Mirror(),
		}
		c.mu.Lock()
		if existing, ok := c.inflight[d.ResourceID()]; ok {
			c.mu.Unlock()
			return existing
		}
		c.inflight[d.ResourceID()] = req
		c.mu.Unlock()
		return req
	}
}

// InFlight reports whether a request for the resource id is being processed.
func (c *Cache) InFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// ReleaseInFlight drops the in-flight entry for a cancelled resource.
func (c *Cache) ReleaseInFlight(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// moveFile renames src onto dst, falling back to copy-and-delete across
// filesystems. Failures are classified for the retry policy.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		if os.IsPermission(err) {
			return cerrors.ErrAccessDenied.WithCause(err)
		}
		return cerrors.ErrCannotCreateDirectory.WithCause(err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if os.IsPermission(err) {
		return cerrors.ErrAccessDenied.WithCause(err)
	}

	in, err := os.Open(src)
	if err != nil {
		return cerrors.ErrCannotMoveFile.WithCause(err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		if os.IsPermission(err) {
			return cerrors.ErrAccessDenied.WithCause(err)
		}
		return cerrors.ErrCannotMoveFile.WithCause(err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		if isNoSpace(err) {
			return cerrors.ErrInsufficientSpace.WithCause(err)
		}
		return cerrors.ErrCannotMoveFile.WithCause(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return cerrors.ErrCannotMoveFile.WithCause(err)
	}

	os.Remove(src)
	return nil
}

func isNoSpace(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no space left")
}
