package texturecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"texture-cache/internal/filesystem"
	"texture-cache/internal/freshness"
	"texture-cache/internal/imageurl"
	"texture-cache/internal/inflight"
	"texture-cache/internal/jobqueue"
	"texture-cache/internal/logging"
	"texture-cache/internal/metrics"
	"texture-cache/internal/texturedb"
	"texture-cache/internal/transform"
	"texture-cache/internal/workers"
)

// usageFlushThreshold is the accumulator size that triggers a batch
// flush; the buffer is never flushed partially during normal operation.
const usageFlushThreshold = 100

// cleanupBatchSize bounds each pass of the unused-texture sweep.
const cleanupBatchSize = 256

// Options configure a Cache.
type Options struct {
	// CacheRoot is the thumbnails directory derivatives are stored in.
	CacheRoot string
	// DBPath is the texture metadata database file.
	DBPath string
	// ThumbSize is the resolution used for size=thumb requests.
	ThumbSize int
	// ResolvedRoots are directories whose contents bypass caching.
	ResolvedRoots []string
	// QueueWorkers sizes the population worker pool.
	QueueWorkers int
	// LowLaneCap bounds concurrent background populations (default 1).
	LowLaneCap int
}

// Cache is the public texture cache coordinator. It owns the in-flight
// registry, the usage accumulator and the metadata store handle for its
// lifetime; callers share one instance instead of a singleton accessor.
type Cache struct {
	root   string
	norm   *imageurl.Normalizer
	oracle *freshness.Oracle
	engine *transform.Engine
	store  *texturedb.Store
	flight *inflight.Registry
	queue  *jobqueue.Queue
	retry  filesystem.RetryConfig

	usageMu sync.Mutex
	usage   []texturedb.Usage
}

// New opens the metadata store, prepares the cache root and starts the
// background queue. Close must be called on shutdown.
func New(ctx context.Context, opts Options) (*Cache, error) {
	if opts.CacheRoot == "" {
		return nil, fmt.Errorf("cache root not configured")
	}
	if err := os.MkdirAll(opts.CacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}

	store, err := texturedb.Open(ctx, opts.DBPath)
	if err != nil {
		return nil, err
	}

	poolSize := opts.QueueWorkers
	if poolSize < 1 {
		// Transforms mix decode CPU with disk and network I/O.
		poolSize = workers.ForMixed(8)
	}
	lowCap := opts.LowLaneCap
	if lowCap < 1 {
		lowCap = 1
	}

	engine := transform.NewEngine(opts.CacheRoot)
	engine.RegisterLoader(imageurl.TagPictureFolder, transform.NewFolderImageLoader())
	engine.RegisterLoader(imageurl.TagMusic, transform.NewEmbeddedArtLoader())
	videoArt := transform.NewVideoArtLoader()
	engine.RegisterLoader(imageurl.TagVideo, videoArt)
	engine.RegisterLoader(imageurl.TagVideoChapter, videoArt)

	resolvedRoots := append([]string{opts.CacheRoot}, opts.ResolvedRoots...)

	c := &Cache{
		root:   opts.CacheRoot,
		norm:   imageurl.NewNormalizer(opts.ThumbSize, resolvedRoots...),
		oracle: freshness.NewOracle(),
		engine: engine,
		store:  store,
		flight: inflight.NewRegistry(),
		queue:  jobqueue.New(poolSize, lowCap),
		retry:  filesystem.DefaultRetryConfig(),
	}

	logging.Info("Texture cache ready: root=%s db=%s workers=%d", opts.CacheRoot, opts.DBPath, poolSize)
	return c, nil
}

// Engine exposes the transform engine for loader registration.
func (c *Cache) Engine() *transform.Engine { return c.engine }

// Close drains the queue, flushes buffered usage and closes the store.
func (c *Cache) Close() {
	c.queue.Close()

	c.usageMu.Lock()
	batch := c.usage
	c.usage = nil
	c.usageMu.Unlock()
	if len(batch) > 0 {
		c.store.FlushUsage(context.Background(), batch)
		metrics.UsageFlushesTotal.Inc()
	}

	if err := c.store.Close(); err != nil {
		logging.Warn("texture store close failed: %v", err)
	}
	logging.Info("Texture cache stopped")
}

// ResolveCached returns the on-disk derivative path for a reference if
// one is cached, optionally recording the access for usage accounting.
// Empty string means not cached; pre-resolved references come back
// unchanged.
func (c *Cache) ResolveCached(ctx context.Context, reference string, trackUsage bool) string {
	res, err := c.norm.Normalize(reference)
	if err != nil {
		return ""
	}
	if res.Precached {
		metrics.CacheLookupsTotal.WithLabelValues("precached").Inc()
		return reference
	}

	key := imageurl.CacheKey(res.Locator)
	entry := c.store.Lookup(ctx, key)
	if entry == nil {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return ""
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()

	if trackUsage {
		c.trackUsage(ctx, entry.ID)
	}
	return c.derivativePath(entry.DerivativeFile)
}

// CheckAndFlagStale resolves like ResolveCached and additionally reports
// whether the entry carries a fingerprint that must be revalidated
// against the live source before being trusted.
func (c *Cache) CheckAndFlagStale(ctx context.Context, reference string) (string, bool) {
	res, err := c.norm.Normalize(reference)
	if err != nil {
		return "", false
	}
	if res.Precached {
		return reference, false
	}

	entry := c.store.Lookup(ctx, imageurl.CacheKey(res.Locator))
	if entry == nil {
		return "", false
	}
	return c.derivativePath(entry.DerivativeFile), entry.Fingerprint != ""
}

// PopulateSynchronously produces (or revalidates) the derivative on the
// calling goroutine. If another caller is already populating the same
// key, it waits for that population and returns whatever is then
// cached. Per-request failures come back as an empty path with the
// causing error; pre-resolved references return unchanged.
func (c *Cache) PopulateSynchronously(ctx context.Context, reference string) (string, error) {
	res, err := c.norm.Normalize(reference)
	if err != nil {
		return "", err
	}
	if res.Precached {
		return reference, nil
	}

	key := imageurl.CacheKey(res.Locator)

	release, ok := c.flight.Begin(key)
	if !ok {
		// A peer is populating this key: wait, then trust its result.
		metrics.DedupWaitsTotal.Inc()
		if waitErr := c.flight.AwaitAbsent(ctx, key); waitErr != nil {
			return "", waitErr
		}
		if entry := c.store.Lookup(ctx, key); entry != nil {
			return c.derivativePath(entry.DerivativeFile), nil
		}
		return "", nil
	}
	defer release()

	return c.populate(ctx, res, key, "foreground")
}

// BackgroundPopulate queues a low-priority population for the reference.
// Already-cached entries that are not updateable are a no-op; the
// stale-or-unchanged decision is deferred into the job itself so the
// caller never blocks on a source stat.
func (c *Cache) BackgroundPopulate(reference string) {
	res, err := c.norm.Normalize(reference)
	if err != nil || res.Precached {
		return
	}

	key := imageurl.CacheKey(res.Locator)
	if entry := c.store.Lookup(context.Background(), key); entry != nil && !entry.Updateable {
		return
	}

	c.queue.Submit(jobqueue.PriorityLow, jobqueue.JobFunc(func(ctx context.Context) error {
		release, ok := c.flight.Begin(key)
		if !ok {
			// Someone else is already on it.
			metrics.PopulationsTotal.WithLabelValues("background", "skipped").Inc()
			return nil
		}
		defer release()

		_, err := c.populate(ctx, res, key, "background")
		return err
	}), func(err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Debug("background population of %s failed: %v", res.Locator, err)
		}
	})
}

// populate runs the transform pipeline for a key the caller owns in the
// in-flight registry, recording the outcome. The fingerprint computed
// before the transform doubles as the skip-if-unchanged check and as the
// value persisted with the new entry.
func (c *Cache) populate(ctx context.Context, res imageurl.Resolved, key, mode string) (string, error) {
	start := time.Now()

	prior := c.store.Lookup(ctx, key)
	live := c.oracle.Fingerprint(res.Locator)

	// Cheap path: the source demonstrably did not change, confirm the
	// entry instead of re-deriving. BADHASH never matches: sources with
	// indeterminate stat state are always re-derived.
	if prior != nil && live != freshness.BadHash && prior.Fingerprint == live {
		c.store.MarkValid(ctx, key, c.oracle.Updateable(res.Locator, res.Tag))
		metrics.PopulationsTotal.WithLabelValues(mode, "unchanged").Inc()
		return c.derivativePath(prior.DerivativeFile), nil
	}

	result, err := c.engine.Produce(res, key)
	if err != nil {
		metrics.PopulationsTotal.WithLabelValues(mode, "error").Inc()
		logging.Debug("population of %s failed: %v", res.Locator, err)
		return "", err
	}

	entry := texturedb.NewEntry(key)
	entry.URL = res.Locator
	entry.DerivativeFile = result.RelativeFile
	entry.Fingerprint = live
	entry.Width = result.Width
	entry.Height = result.Height
	entry.Updateable = c.oracle.Updateable(res.Locator, res.Tag)
	c.store.Upsert(ctx, entry)

	metrics.PopulationsTotal.WithLabelValues(mode, "ok").Inc()
	metrics.PopulationDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	return c.derivativePath(result.RelativeFile), nil
}

// Invalidate removes the metadata row and derivative file(s) for a
// reference. With deleteSource the original source file is removed as
// well (explicit user-driven clears only).
func (c *Cache) Invalidate(ctx context.Context, reference string, deleteSource bool) {
	res, err := c.norm.Normalize(reference)
	if err != nil || res.Precached {
		return
	}

	key := imageurl.CacheKey(res.Locator)
	file := c.store.DeleteByKey(ctx, key)
	c.removeDerivative(file)
	metrics.InvalidationsTotal.Inc()

	if deleteSource && !strings.Contains(res.Locator, "://") {
		if err := filesystem.RemoveWithRetry(res.Locator, c.retry); err != nil {
			logging.Warn("failed to delete source %s: %v", res.Locator, err)
		}
	}
}

// InvalidateByID removes a row by its numeric identity. With
// deleteSource the source file recorded on the row is removed as well.
func (c *Cache) InvalidateByID(ctx context.Context, id int64, deleteSource bool) {
	file, url := c.store.DeleteByID(ctx, id)
	c.removeDerivative(file)
	metrics.InvalidationsTotal.Inc()

	if deleteSource && url != "" && !strings.Contains(url, "://") {
		if err := filesystem.RemoveWithRetry(url, c.retry); err != nil {
			logging.Warn("failed to delete source %s: %v", url, err)
		}
	}
}

// removeDerivative deletes the derivative and its alternate-extension
// sibling. Metadata is already gone at this point; file removal
// failures are logged and ignored.
func (c *Cache) removeDerivative(file string) {
	for _, sibling := range texturedb.SiblingFiles(file) {
		full := c.derivativePath(sibling)
		if err := filesystem.RemoveWithRetry(full, c.retry); err != nil {
			logging.Warn("failed to remove derivative %s: %v", full, err)
		}
	}
}

// ExportDerivative copies the cached derivative for a reference to an
// external destination, forcing population first if nothing is cached.
// The destination receives the derivative's extension. Existing
// destinations are left alone unless overwrite is set.
func (c *Cache) ExportDerivative(ctx context.Context, reference, destination string, overwrite bool) error {
	path := c.ResolveCached(ctx, reference, false)
	if path == "" || path == reference {
		var err error
		path, err = c.PopulateSynchronously(ctx, reference)
		if err != nil {
			return fmt.Errorf("cannot export %s: %w", reference, err)
		}
		if path == "" || path == reference {
			return fmt.Errorf("cannot export %s: no cached derivative", reference)
		}
	}

	ext := filepath.Ext(path)
	if !strings.HasSuffix(destination, ext) {
		destination += ext
	}

	if _, err := os.Stat(destination); err == nil && !overwrite {
		return nil
	}

	src, err := filesystem.OpenWithRetry(path, c.retry)
	if err != nil {
		return fmt.Errorf("export open failed: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("export create failed: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(destination)
		return fmt.Errorf("export copy failed: %w", err)
	}
	return dst.Close()
}

// CleanupUnused deletes entries (and their derivative files) whose last
// use is older than retention, returning the number removed.
func (c *Cache) CleanupUnused(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	removed := 0

	for {
		batch := c.store.UnusedSince(ctx, cutoff, cleanupBatchSize)
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			file, _ := c.store.DeleteByID(ctx, e.ID)
			c.removeDerivative(file)
			removed++
			metrics.CleanupDeletesTotal.Inc()
		}
		if len(batch) < cleanupBatchSize {
			break
		}
	}

	if removed > 0 {
		logging.Info("Cleanup removed %d unused textures", removed)
	}
	return removed
}

// Precache walks mediaRoot and queues background population for every
// picture file found.
func (c *Cache) Precache(mediaRoot string) {
	queued := 0
	err := filepath.WalkDir(mediaRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logging.Warn("precache: error accessing %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != mediaRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if transform.IsPicturePath(path) {
			c.BackgroundPopulate(path)
			queued++
		}
		return nil
	})
	if err != nil {
		logging.Warn("precache walk of %s failed: %v", mediaRoot, err)
	}
	logging.Info("Precache queued %d images under %s", queued, mediaRoot)
}

// Stats reports entry and in-flight counts for the stats endpoint.
func (c *Cache) Stats(ctx context.Context) (entries int64, inFlight int) {
	return c.store.Count(ctx), c.flight.Len()
}

// trackUsage buffers an access and flushes the whole buffer once the
// threshold is reached; the flush is all-or-nothing.
func (c *Cache) trackUsage(ctx context.Context, id int64) {
	if id < 0 {
		return
	}

	c.usageMu.Lock()
	c.usage = append(c.usage, texturedb.Usage{ID: id, When: time.Now()})
	if len(c.usage) < usageFlushThreshold {
		c.usageMu.Unlock()
		return
	}
	batch := c.usage
	c.usage = nil
	c.usageMu.Unlock()

	if c.store.FlushUsage(ctx, batch) {
		metrics.UsageFlushesTotal.Inc()
	}
}

func (c *Cache) derivativePath(relative string) string {
	if relative == "" {
		return ""
	}
	return filepath.Join(c.root, filepath.FromSlash(relative))
}
