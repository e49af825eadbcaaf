// Package fraglakedb ties the blob store, the columnar bridge and the
// relational catalog into the payload engine: producers push timestamped
// payloads into collections, the engine buffers them as single-row fragments
// and compacts them into merged fragments once a collection's buffered bytes
// cross the flush threshold.
package fraglakedb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fraglake/fraglake/fraglakedb/backend"
	"github.com/fraglake/fraglake/fraglakedb/backend/azure"
	"github.com/fraglake/fraglake/fraglakedb/backend/local"
	"github.com/fraglake/fraglake/fraglakedb/bridge"
	"github.com/fraglake/fraglake/fraglakedb/catalog"
	"github.com/fraglake/fraglake/fraglakedb/parser"
	"github.com/fraglake/fraglake/pkg/errs"
)

const advancedQueryMaxRange = 7 * 24 * 60 * 60

var (
	metricStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraglake",
		Name:      "stores_total",
		Help:      "Payloads accepted per collection.",
	}, []string{"collection"})
	metricDedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraglake",
		Name:      "dedup_hits_total",
		Help:      "Payloads skipped because they matched the previous hash.",
	}, []string{"collection"})
	metricFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraglake",
		Name:      "flushes_total",
		Help:      "Buffer flushes per collection.",
	}, []string{"collection"})
	metricFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fraglake",
		Name:      "flush_duration_seconds",
		Help:      "Time spent merging and committing buffered fragments.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"collection"})
)

// Engine is the top-level store. Safe for concurrent use.
type Engine struct {
	cfg    *Config
	logger log.Logger

	reader  backend.Reader
	writer  backend.Writer
	catalog *catalog.Catalog
	bridge  *bridge.Bridge

	// lastHash remembers the previous payload hash per collection so
	// back-to-back identical payloads are dropped cheaply.
	hashMtx  sync.Mutex
	lastHash map[string]string
}

func New(cfg *Config, logger log.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var (
		reader backend.Reader
		writer backend.Writer
		err    error
	)
	switch cfg.Backend {
	case BackendLocal:
		reader, writer, err = local.New(cfg.Local)
	case BackendAzure:
		reader, writer, err = azure.New(cfg.Azure)
	}
	if err != nil {
		return nil, errors.Wrap(err, "creating blob backend")
	}

	cat, err := catalog.New(&cfg.DB, logger)
	if err != nil {
		return nil, err
	}
	br, err := bridge.New(&cfg.Bridge, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		reader:   reader,
		writer:   writer,
		catalog:  cat,
		bridge:   br,
		lastHash: map[string]string{},
	}, nil
}

// StoreResult tells the caller what happened to a payload.
type StoreResult struct {
	// Deduplicated is true when the payload matched the collection's
	// previous payload and was dropped.
	Deduplicated bool
	// Flushed is true when the store pushed the collection over the flush
	// threshold and a flush ran.
	Flushed bool
	// ContentType is the content type the payload was stored as, which may
	// be RAW when the requested type did not fit.
	ContentType parser.ContentType
}

// Store buffers one payload. The payload lands in the blob store as a
// single-row fragment and in the catalog as a buffered fragment; once the
// collection's unlocked buffers exceed the configured threshold the
// collection is flushed inline.
func (e *Engine) Store(ctx context.Context, collectionName string, payload []byte, timestamp int64, contentType parser.ContentType, createCollection bool) (StoreResult, error) {
	col, err := e.catalog.GetCollectionByName(collectionName)
	if err != nil {
		if !errs.IsDomain(err) || !createCollection {
			return StoreResult{}, err
		}
		if col, err = e.createCollection(ctx, collectionName, true); err != nil {
			return StoreResult{}, err
		}
	}

	hash := hashPayload(payload)
	if e.isDuplicate(collectionName, hash) {
		metricDedupHits.WithLabelValues(collectionName).Inc()
		level.Debug(e.logger).Log("msg", "duplicate payload skipped", "collection", collectionName, "timestamp", timestamp)
		return StoreResult{Deduplicated: true, ContentType: contentType}, nil
	}

	id := uuid.New().String()
	bw, err := e.writer.Write(ctx, collectionName, id)
	if err != nil {
		return StoreResult{}, err
	}
	res, err := e.bridge.WriteSingle(payload, timestamp, bw, collectionName, contentType)
	if err != nil {
		_ = bw.Abort()
		return StoreResult{}, err
	}
	if err := bw.Close(); err != nil {
		return StoreResult{}, errors.Wrap(err, "committing buffered fragment")
	}

	err = e.catalog.LogBuffer(&catalog.BufferedFragment{
		Timestamp:    timestamp,
		CollectionID: col.ID,
		ContentType:  int(res.ContentType),
		Size:         res.Size,
		OriginalSize: res.OriginalSize,
		UUID:         id,
		Hash:         hash,
	})
	if err != nil {
		// The blob is orphaned without its catalog row; remove it.
		if derr := e.writer.Delete(ctx, collectionName, []string{id}); derr != nil {
			level.Warn(e.logger).Log("msg", "failed to remove orphaned blob", "collection", collectionName, "id", id, "err", derr)
		}
		return StoreResult{}, err
	}

	e.rememberHash(collectionName, hash)
	metricStores.WithLabelValues(collectionName).Inc()

	result := StoreResult{ContentType: res.ContentType}

	size, err := e.catalog.GetUnlockedBuffersSize(col.ID)
	if err != nil {
		return result, err
	}
	if size > e.cfg.bufferSizeBytes() {
		if err := e.Flush(ctx, collectionName); err != nil {
			return result, err
		}
		result.Flushed = true
	}
	return result, nil
}

func hashPayload(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

func (e *Engine) isDuplicate(collection, hash string) bool {
	e.hashMtx.Lock()
	defer e.hashMtx.Unlock()
	return e.lastHash[collection] == hash
}

func (e *Engine) rememberHash(collection, hash string) {
	e.hashMtx.Lock()
	defer e.hashMtx.Unlock()
	e.lastHash[collection] = hash
}

func (e *Engine) forgetHashes(collection string) {
	e.hashMtx.Lock()
	defer e.hashMtx.Unlock()
	delete(e.lastHash, collection)
}

// Flush claims every unlocked buffer of the collection, merges them per
// content type into committed fragments and removes the promoted single-row
// blobs. Buffers whose blobs cannot be read back are promoted as standalone
// fragments instead of holding up the merge.
func (e *Engine) Flush(ctx context.Context, collectionName string) error {
	col, err := e.catalog.GetCollectionByName(collectionName)
	if err != nil {
		return err
	}

	buffers, err := e.catalog.GetAndLockBuffers(col.ID)
	if err != nil {
		return err
	}
	if len(buffers) == 0 {
		return nil
	}

	start := time.Now()
	level.Info(e.logger).Log("msg", "flushing collection", "collection", collectionName, "buffers", len(buffers))

	byType := map[int][]catalog.BufferedFragment{}
	for _, buf := range buffers {
		byType[buf.ContentType] = append(byType[buf.ContentType], buf)
	}

	for contentType, group := range byType {
		if err := e.flushGroup(ctx, collectionName, col.ID, contentType, group); err != nil {
			if uerr := e.catalog.UnlockBuffers(group); uerr != nil {
				level.Error(e.logger).Log("msg", "failed to unlock buffers after flush failure", "collection", collectionName, "err", uerr)
			}
			return err
		}
	}

	metricFlushes.WithLabelValues(collectionName).Inc()
	metricFlushDuration.WithLabelValues(collectionName).Observe(time.Since(start).Seconds())
	return nil
}

func (e *Engine) flushGroup(ctx context.Context, collectionName string, collectionID uint, contentType int, group []catalog.BufferedFragment) error {
	inputs := make([]bridge.BlobInput, 0, len(group))
	unreadable := map[string]bool{}
	for _, buf := range group {
		data, err := e.readBlob(ctx, collectionName, buf.UUID)
		if err != nil {
			level.Warn(e.logger).Log("msg", "buffered blob unreadable, promoting as-is", "collection", collectionName, "id", buf.UUID, "err", err)
			unreadable[buf.UUID] = true
			continue
		}
		inputs = append(inputs, bridge.BlobInput{Data: data, ID: buf.UUID})
	}

	merged, skippedIDs, err := e.bridge.Merge(inputs)
	if err != nil {
		// A failed merge never holds up the flush: promote every buffer
		// standalone, the single-row blobs stay queryable as they are.
		level.Warn(e.logger).Log("msg", "merge failed, promoting all buffers as-is", "collection", collectionName, "err", err)
		return e.catalog.FlushSkippedBuffers(collectionID, group)
	}
	for _, id := range skippedIDs {
		unreadable[id] = true
	}

	var mergedBuffers, skippedBuffers []catalog.BufferedFragment
	for _, buf := range group {
		if unreadable[buf.UUID] {
			skippedBuffers = append(skippedBuffers, buf)
		} else {
			mergedBuffers = append(mergedBuffers, buf)
		}
	}

	if err := e.catalog.FlushSkippedBuffers(collectionID, skippedBuffers); err != nil {
		return err
	}
	if merged == nil {
		return nil
	}

	fragmentUUID := uuid.New().String()
	bw, err := e.writer.Write(ctx, collectionName, fragmentUUID)
	if err != nil {
		return err
	}
	if _, err := bw.Write(merged); err != nil {
		_ = bw.Abort()
		return err
	}
	if err := bw.Close(); err != nil {
		return errors.Wrap(err, "committing merged fragment")
	}

	if err := e.catalog.FlushBuffer(collectionID, fragmentUUID, contentType, mergedBuffers, int64(len(merged))); err != nil {
		return err
	}

	// The merged rows now live in the fragment; the single-row blobs are
	// garbage. Deletion failures leave orphans, not corruption.
	ids := make([]string, 0, len(mergedBuffers))
	for _, buf := range mergedBuffers {
		ids = append(ids, buf.UUID)
	}
	if err := e.writer.Delete(ctx, collectionName, ids); err != nil {
		level.Warn(e.logger).Log("msg", "failed to delete promoted buffer blobs", "collection", collectionName, "err", err)
	}
	return nil
}

func (e *Engine) readBlob(ctx context.Context, collection, id string) ([]byte, error) {
	rc, err := e.reader.Read(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// QueryRow is one result row. Data is nil when the query skips payloads.
type QueryRow struct {
	Timestamp    int64
	Data         []byte
	ContentType  parser.ContentType
	Size         int64
	OriginalSize int64
}

// QueryOptions bound a range query. Limit zero returns nothing; a negative
// limit means unbounded.
type QueryOptions struct {
	MinTimestamp int64
	MaxTimestamp int64
	Ascending    bool
	Limit        int
	Offset       int
	ContentTypes []int
	SkipData     bool
}

// Query returns the rows of a collection whose timestamps fall inside the
// inclusive range, committed fragments and still-buffered payloads alike. An
// unknown collection yields an empty result, not an error.
func (e *Engine) Query(ctx context.Context, collectionName string, opts QueryOptions) ([]QueryRow, error) {
	col, err := e.catalog.GetCollectionByName(collectionName)
	if errs.IsDomain(err) {
		return []QueryRow{}, nil
	}
	if err != nil {
		return nil, err
	}
	if opts.Limit == 0 {
		return []QueryRow{}, nil
	}

	if opts.SkipData {
		return e.queryMetadata(col.ID, opts)
	}

	var rows []QueryRow

	fragments, err := e.catalog.Query(col.ID, opts.MinTimestamp, opts.MaxTimestamp, opts.ContentTypes)
	if err != nil {
		return nil, err
	}
	fragmentUUIDs := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		fragmentUUIDs = append(fragmentUUIDs, frag.UUID)
	}
	items, err := e.catalog.GetItemsFromFragments(col.ID, fragmentUUIDs)
	if err != nil {
		return nil, err
	}
	// Distinct fragments may hold items at the same timestamp, so the key
	// must include the fragment.
	type itemKey struct {
		fragmentID string
		timestamp  int64
	}
	itemsByKey := make(map[itemKey]catalog.Item, len(items))
	for _, item := range items {
		itemsByKey[itemKey{item.FragmentID, item.Timestamp}] = item
	}

	for _, frag := range fragments {
		data, err := e.readBlob(ctx, collectionName, frag.UUID)
		if err != nil {
			level.Warn(e.logger).Log("msg", "fragment blob unreadable, skipping", "collection", collectionName, "id", frag.UUID, "err", err)
			continue
		}
		contentType := parser.RAW
		if frag.ContentType != nil {
			contentType = parser.ContentType(*frag.ContentType)
		}
		fragRows, err := e.bridge.Read(data, contentType, opts.MinTimestamp, opts.MaxTimestamp, opts.Ascending, 0)
		if err != nil {
			level.Warn(e.logger).Log("msg", "fragment undecodable, skipping", "collection", collectionName, "id", frag.UUID, "err", err)
			continue
		}
		for _, r := range fragRows {
			row := QueryRow{
				Timestamp:   r.Timestamp,
				Data:        r.Data,
				ContentType: contentType,
				Size:        int64(len(r.Data)),
			}
			if item, ok := itemsByKey[itemKey{frag.UUID, r.Timestamp}]; ok {
				row.Size = item.Size
				row.OriginalSize = item.OriginalSize
			}
			rows = append(rows, row)
		}
	}

	buffers, err := e.catalog.QueryBuffers(col.ID, opts.MinTimestamp, opts.MaxTimestamp, opts.ContentTypes)
	if err != nil {
		return nil, err
	}
	for _, buf := range buffers {
		data, err := e.readBlob(ctx, collectionName, buf.UUID)
		if err != nil {
			level.Warn(e.logger).Log("msg", "buffered blob unreadable, skipping", "collection", collectionName, "id", buf.UUID, "err", err)
			continue
		}
		bufRows, err := e.bridge.Read(data, parser.ContentType(buf.ContentType), opts.MinTimestamp, opts.MaxTimestamp, opts.Ascending, 0)
		if err != nil {
			level.Warn(e.logger).Log("msg", "buffered fragment undecodable, skipping", "collection", collectionName, "id", buf.UUID, "err", err)
			continue
		}
		for _, r := range bufRows {
			rows = append(rows, QueryRow{
				Timestamp:    r.Timestamp,
				Data:         r.Data,
				ContentType:  parser.ContentType(buf.ContentType),
				Size:         buf.Size,
				OriginalSize: buf.OriginalSize,
			})
		}
	}

	sortRows(rows, opts.Ascending)
	return window(rows, opts.Offset, opts.Limit), nil
}

func (e *Engine) queryMetadata(collectionID uint, opts QueryOptions) ([]QueryRow, error) {
	items, err := e.catalog.QueryItems(collectionID, opts.MinTimestamp, opts.MaxTimestamp, opts.Ascending, 0)
	if err != nil {
		return nil, err
	}
	buffers, err := e.catalog.QueryBuffers(collectionID, opts.MinTimestamp, opts.MaxTimestamp, opts.ContentTypes)
	if err != nil {
		return nil, err
	}

	var rows []QueryRow
	for _, item := range items {
		if !contentTypeAllowed(item.ContentType, opts.ContentTypes) {
			continue
		}
		rows = append(rows, QueryRow{
			Timestamp:    item.Timestamp,
			ContentType:  parser.ContentType(item.ContentType),
			Size:         item.Size,
			OriginalSize: item.OriginalSize,
		})
	}
	for _, buf := range buffers {
		rows = append(rows, QueryRow{
			Timestamp:    buf.Timestamp,
			ContentType:  parser.ContentType(buf.ContentType),
			Size:         buf.Size,
			OriginalSize: buf.OriginalSize,
		})
	}

	sortRows(rows, opts.Ascending)
	return window(rows, opts.Offset, opts.Limit), nil
}

func contentTypeAllowed(contentType int, allowed []int) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, ct := range allowed {
		if ct == contentType {
			return true
		}
	}
	return false
}

func sortRows(rows []QueryRow, ascending bool) {
	sort.SliceStable(rows, func(i, j int) bool {
		if ascending {
			return rows[i].Timestamp < rows[j].Timestamp
		}
		return rows[i].Timestamp > rows[j].Timestamp
	})
}

func window(rows []QueryRow, offset, limit int) []QueryRow {
	if offset > 0 {
		if offset >= len(rows) {
			return []QueryRow{}
		}
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	if rows == nil {
		rows = []QueryRow{}
	}
	return rows
}

// AdvancedQuery runs user SQL over the collection's columnar fragments.
// Only structured fragments participate; the timestamp range may span at
// most seven days.
func (e *Engine) AdvancedQuery(ctx context.Context, collectionName, userSQL string, minTimestamp, maxTimestamp int64, limit int, ascending bool, offset int) ([][]interface{}, error) {
	if maxTimestamp-minTimestamp > advancedQueryMaxRange {
		return nil, errs.Domain("Max difference between timestamps is 7 day")
	}

	col, err := e.catalog.GetCollectionByName(collectionName)
	if err != nil {
		return nil, err
	}

	structured := []int{int(parser.JSON), int(parser.GTFSRT)}
	fragments, err := e.catalog.Query(col.ID, minTimestamp, maxTimestamp, structured)
	if err != nil {
		return nil, err
	}
	buffers, err := e.catalog.QueryBuffers(col.ID, minTimestamp, maxTimestamp, structured)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(fragments)+len(buffers))
	for _, frag := range fragments {
		paths = append(paths, e.reader.Path(collectionName, frag.UUID))
	}
	for _, buf := range buffers {
		paths = append(paths, e.reader.Path(collectionName, buf.UUID))
	}

	return e.bridge.AdvancedQuery(ctx, paths, userSQL, minTimestamp, maxTimestamp, limit, ascending, offset)
}

// CreateCollection registers a new collection in the catalog and the blob
// store. Creating an existing collection is a DomainError.
func (e *Engine) CreateCollection(ctx context.Context, name string) error {
	_, err := e.createCollection(ctx, name, false)
	return err
}

func (e *Engine) createCollection(ctx context.Context, name string, allowExisting bool) (catalog.Collection, error) {
	if err := backend.ValidateKeys(name); err != nil {
		return catalog.Collection{}, err
	}
	col, err := e.catalog.CreateCollection(name, allowExisting)
	if err != nil {
		return catalog.Collection{}, err
	}
	if err := e.writer.CreateCollection(ctx, name); err != nil {
		return catalog.Collection{}, errors.Wrap(err, "creating blob namespace")
	}
	return col, nil
}

// DeleteCollection removes the collection from the catalog first, then
// best-effort deletes its blobs: a stray blob is harmless once the catalog
// no longer references it.
func (e *Engine) DeleteCollection(ctx context.Context, name string) error {
	if _, err := e.catalog.DeleteCollection(name); err != nil {
		return err
	}
	e.forgetHashes(name)
	if err := e.writer.DeleteCollection(ctx, name); err != nil {
		level.Warn(e.logger).Log("msg", "failed to delete collection blobs", "collection", name, "err", err)
	}
	return nil
}

// ListCollections returns stats for every collection.
func (e *Engine) ListCollections() ([]catalog.CollectionStats, error) {
	return e.catalog.ListCollections()
}

// CollectionSize is the total byte size of a collection, buffers included.
func (e *Engine) CollectionSize(name string) (int64, error) {
	col, err := e.catalog.GetCollectionByName(name)
	if err != nil {
		return 0, err
	}
	return e.catalog.CollectionSize(col.ID)
}

// CheckStorageIntegrity flushes every collection that still has buffered
// fragments. Run at startup: a previous process may have died between
// buffering and flushing, and stale locks from a crashed flush are released
// first.
func (e *Engine) CheckStorageIntegrity(ctx context.Context) error {
	if err := e.catalog.ResetLocks(); err != nil {
		return err
	}
	names, err := e.catalog.CollectionsWithBuffers()
	if err != nil {
		return err
	}
	for _, name := range names {
		level.Info(e.logger).Log("msg", "flushing leftover buffers", "collection", name)
		if err := e.Flush(ctx, name); err != nil {
			level.Error(e.logger).Log("msg", "startup flush failed", "collection", name, "err", err)
		}
	}
	return nil
}

// Shutdown releases backend resources.
func (e *Engine) Shutdown() {
	e.reader.Shutdown()
}
