// Package catalog is the relational index over collections, committed
// fragments, buffered fragments and items. All payload bytes live in the blob
// store; the catalog only records where they are and what they contain.
package catalog

import (
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fraglake/fraglake/pkg/errs"
)

const collectionCacheSize = 128

type Config struct {
	// DatabaseURL selects the backing database: postgres:// / postgresql://
	// URLs use the postgres driver, anything else is treated as an sqlite
	// file path.
	DatabaseURL string `yaml:"db_url"`
}

type Catalog struct {
	db     *gorm.DB
	logger log.Logger

	// collections caches name -> Collection lookups; invalidated on delete.
	collections *lru.Cache[string, Collection]
}

func New(cfg *Config, logger log.Logger) (*Catalog, error) {
	dialector := dialectorFor(cfg.DatabaseURL)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening catalog database")
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, errors.Wrap(err, "migrating catalog schema")
	}

	cache, err := lru.New[string, Collection](collectionCacheSize)
	if err != nil {
		return nil, err
	}
	return &Catalog{db: db, logger: logger, collections: cache}, nil
}

func dialectorFor(url string) gorm.Dialector {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return postgres.Open(url)
	}
	return sqlite.Open(url)
}

func (c *Catalog) supportsRowLocking() bool {
	return c.db.Dialector.Name() == "postgres"
}

// CreateCollection registers a collection name. With allowExisting the
// existing row is returned instead of an error.
func (c *Catalog) CreateCollection(name string, allowExisting bool) (Collection, error) {
	var col Collection
	err := c.db.Where("name = ?", name).First(&col).Error
	if err == nil {
		if !allowExisting {
			return Collection{}, errs.Domain("collection %s already exists", name)
		}
		c.collections.Add(name, col)
		return col, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, errors.Wrap(err, "looking up collection")
	}

	col = Collection{Name: name}
	if err := c.db.Create(&col).Error; err != nil {
		return Collection{}, errors.Wrap(err, "creating collection")
	}
	level.Info(c.logger).Log("msg", "collection created", "collection", name, "id", col.ID)
	c.collections.Add(name, col)
	return col, nil
}

// GetCollectionByName resolves a collection, serving repeat lookups from the
// cache. An unknown name is a DomainError.
func (c *Catalog) GetCollectionByName(name string) (Collection, error) {
	if col, ok := c.collections.Get(name); ok {
		return col, nil
	}
	var col Collection
	err := c.db.Where("name = ?", name).First(&col).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Collection{}, errs.Domain("collection %s does not exist", name)
	}
	if err != nil {
		return Collection{}, errors.Wrap(err, "looking up collection")
	}
	c.collections.Add(name, col)
	return col, nil
}

// CollectionStats is the per-collection summary served by the listing
// endpoint: the covered timestamp range and row count across committed items
// and buffers, plus byte sizes. The range is nil for an empty collection and
// serializes as JSON null.
type CollectionStats struct {
	Name          string `json:"name"`
	MinTimestamp  *int64 `json:"min_timestamp"`
	MaxTimestamp  *int64 `json:"max_timestamp"`
	Count         int64  `json:"count"`
	Size          int64  `json:"size"`
	OriginalSize  int64  `json:"original_size"`
	Fragments     int64  `json:"fragments"`
	BufferedItems int64  `json:"buffered_items"`
	BufferedSize  int64  `json:"buffered_size"`
}

type collectionAggregate struct {
	CollectionID uint
	Count        int64
	Size         int64
	OriginalSize int64
	MinTs        int64
	MaxTs        int64
}

// ListCollections returns stats for every collection, including empty ones.
func (c *Catalog) ListCollections() ([]CollectionStats, error) {
	var cols []Collection
	if err := c.db.Order("name").Find(&cols).Error; err != nil {
		return nil, errors.Wrap(err, "listing collections")
	}

	var itemAgg []collectionAggregate
	err := c.db.Model(&Item{}).
		Select("collection_id, COUNT(*) AS count, COALESCE(SUM(size), 0) AS size, COALESCE(SUM(original_size), 0) AS original_size, COALESCE(MIN(timestamp), 0) AS min_ts, COALESCE(MAX(timestamp), 0) AS max_ts").
		Group("collection_id").
		Scan(&itemAgg).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregating items")
	}

	var fragAgg []collectionAggregate
	err = c.db.Model(&Fragment{}).
		Select("collection_id, COUNT(*) AS count").
		Group("collection_id").
		Scan(&fragAgg).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregating fragments")
	}

	var bufAgg []collectionAggregate
	err = c.db.Model(&BufferedFragment{}).
		Select("collection_id, COUNT(*) AS count, COALESCE(SUM(size), 0) AS size, COALESCE(MIN(timestamp), 0) AS min_ts, COALESCE(MAX(timestamp), 0) AS max_ts").
		Group("collection_id").
		Scan(&bufAgg).Error
	if err != nil {
		return nil, errors.Wrap(err, "aggregating buffers")
	}

	items := map[uint]collectionAggregate{}
	for _, a := range itemAgg {
		items[a.CollectionID] = a
	}
	frags := map[uint]collectionAggregate{}
	for _, a := range fragAgg {
		frags[a.CollectionID] = a
	}
	bufs := map[uint]collectionAggregate{}
	for _, a := range bufAgg {
		bufs[a.CollectionID] = a
	}

	stats := make([]CollectionStats, 0, len(cols))
	for _, col := range cols {
		item, buf := items[col.ID], bufs[col.ID]
		s := CollectionStats{
			Name:          col.Name,
			Count:         item.Count + buf.Count,
			Size:          item.Size,
			OriginalSize:  item.OriginalSize,
			Fragments:     frags[col.ID].Count,
			BufferedItems: buf.Count,
			BufferedSize:  buf.Size,
		}
		s.MinTimestamp, s.MaxTimestamp = timestampRange(item, buf)
		stats = append(stats, s)
	}
	return stats, nil
}

// timestampRange combines the item and buffer ranges, ignoring whichever side
// holds no rows. Both bounds are nil when the collection is empty.
func timestampRange(item, buf collectionAggregate) (*int64, *int64) {
	switch {
	case item.Count == 0 && buf.Count == 0:
		return nil, nil
	case item.Count == 0:
		return &buf.MinTs, &buf.MaxTs
	case buf.Count == 0:
		return &item.MinTs, &item.MaxTs
	}
	minTs, maxTs := item.MinTs, item.MaxTs
	if buf.MinTs < minTs {
		minTs = buf.MinTs
	}
	if buf.MaxTs > maxTs {
		maxTs = buf.MaxTs
	}
	return &minTs, &maxTs
}

// CollectionsWithBuffers names every collection that still has buffered
// fragments, locked or not. Used by the startup integrity scan.
func (c *Catalog) CollectionsWithBuffers() ([]string, error) {
	var names []string
	err := c.db.Model(&BufferedFragment{}).
		Distinct("collection.name").
		Joins("JOIN collection ON collection.id = buffered_fragment.collection_id").
		Pluck("collection.name", &names).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing collections with buffers")
	}
	return names, nil
}

// LogBuffer records a freshly written buffered fragment. A second payload at
// the same (timestamp, collection) violates the primary key and is reported
// as a DomainError so callers can surface it to the producer.
func (c *Catalog) LogBuffer(buf *BufferedFragment) error {
	if err := c.db.Create(buf).Error; err != nil {
		if isUniqueViolation(err) {
			return errs.Domain("fragment already exists at timestamp %d", buf.Timestamp)
		}
		return errors.Wrap(err, "logging buffered fragment")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// GetUnlockedBuffersSize sums the original sizes of buffers not yet claimed
// by a flush.
func (c *Catalog) GetUnlockedBuffersSize(collectionID uint) (int64, error) {
	var size int64
	err := c.db.Model(&BufferedFragment{}).
		Where("collection_id = ? AND locked = ?", collectionID, false).
		Select("COALESCE(SUM(original_size), 0)").
		Scan(&size).Error
	if err != nil {
		return 0, errors.Wrap(err, "summing unlocked buffers")
	}
	return size, nil
}

// GetAndLockBuffers claims every unlocked buffer of the collection for a
// flush. The returned buffers are marked locked inside one transaction so a
// concurrent flush cannot claim them twice.
func (c *Catalog) GetAndLockBuffers(collectionID uint) ([]BufferedFragment, error) {
	var buffers []BufferedFragment
	err := c.db.Transaction(func(tx *gorm.DB) error {
		q := tx.Where("collection_id = ? AND locked = ?", collectionID, false)
		if c.supportsRowLocking() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.Order("timestamp").Find(&buffers).Error; err != nil {
			return err
		}
		if len(buffers) == 0 {
			return nil
		}
		uuids := make([]string, 0, len(buffers))
		for i := range buffers {
			buffers[i].Locked = true
			uuids = append(uuids, buffers[i].UUID)
		}
		return tx.Model(&BufferedFragment{}).
			Where("uuid IN ?", uuids).
			Update("locked", true).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "locking buffers")
	}
	return buffers, nil
}

// UnlockBuffers releases a failed flush's claim so the buffers become
// eligible again.
func (c *Catalog) UnlockBuffers(buffers []BufferedFragment) error {
	if len(buffers) == 0 {
		return nil
	}
	uuids := make([]string, 0, len(buffers))
	for _, b := range buffers {
		uuids = append(uuids, b.UUID)
	}
	err := c.db.Model(&BufferedFragment{}).
		Where("uuid IN ?", uuids).
		Update("locked", false).Error
	return errors.Wrap(err, "unlocking buffers")
}

// ResetLocks clears every buffer lock. Only safe while no flush is running,
// i.e. at process startup.
func (c *Catalog) ResetLocks() error {
	err := c.db.Model(&BufferedFragment{}).
		Where("locked = ?", true).
		Update("locked", false).Error
	return errors.Wrap(err, "resetting buffer locks")
}

// FlushBuffer commits a merge: one fragment row, one item per merged buffer,
// and the buffer rows gone, all in a single transaction. Item sizes are split
// evenly across the merged fragment so collection size stays meaningful.
func (c *Catalog) FlushBuffer(collectionID uint, fragmentUUID string, contentType int, merged []BufferedFragment, fragmentSize int64) error {
	if len(merged) == 0 {
		return nil
	}
	perItem := fragmentSize / int64(len(merged))

	return c.db.Transaction(func(tx *gorm.DB) error {
		ct := contentType
		if err := tx.Create(&Fragment{
			UUID:         fragmentUUID,
			ContentType:  &ct,
			CollectionID: collectionID,
		}).Error; err != nil {
			return errors.Wrap(err, "creating fragment")
		}

		items := make([]Item, 0, len(merged))
		uuids := make([]string, 0, len(merged))
		for _, buf := range merged {
			items = append(items, Item{
				FragmentID:   fragmentUUID,
				CollectionID: collectionID,
				Timestamp:    buf.Timestamp,
				Size:         perItem,
				OriginalSize: buf.OriginalSize,
				ContentType:  buf.ContentType,
				Hash:         buf.Hash,
			})
			uuids = append(uuids, buf.UUID)
		}
		if err := tx.Create(&items).Error; err != nil {
			return errors.Wrap(err, "creating items")
		}
		return errors.Wrap(
			tx.Where("uuid IN ?", uuids).Delete(&BufferedFragment{}).Error,
			"deleting flushed buffers")
	})
}

// FlushSkippedBuffers promotes buffers whose blobs could not be merged into
// standalone fragments. The fragment keeps the buffer's UUID so the existing
// blob needs no rewrite.
func (c *Catalog) FlushSkippedBuffers(collectionID uint, skipped []BufferedFragment) error {
	if len(skipped) == 0 {
		return nil
	}
	return c.db.Transaction(func(tx *gorm.DB) error {
		for _, buf := range skipped {
			ct := buf.ContentType
			if err := tx.Create(&Fragment{
				UUID:         buf.UUID,
				ContentType:  &ct,
				CollectionID: collectionID,
			}).Error; err != nil {
				return errors.Wrap(err, "promoting skipped buffer")
			}
			if err := tx.Create(&Item{
				FragmentID:   buf.UUID,
				CollectionID: collectionID,
				Timestamp:    buf.Timestamp,
				Size:         buf.Size,
				OriginalSize: buf.OriginalSize,
				ContentType:  buf.ContentType,
				Hash:         buf.Hash,
			}).Error; err != nil {
				return errors.Wrap(err, "creating item for skipped buffer")
			}
			if err := tx.Where("uuid = ?", buf.UUID).Delete(&BufferedFragment{}).Error; err != nil {
				return errors.Wrap(err, "deleting skipped buffer")
			}
		}
		return nil
	})
}

// Query returns the fragments holding at least one item in the timestamp
// range, optionally restricted to the given content types.
func (c *Catalog) Query(collectionID uint, minTimestamp, maxTimestamp int64, contentTypes []int) ([]Fragment, error) {
	sub := c.db.Model(&Item{}).
		Distinct("fragment_id").
		Where("collection_id = ? AND timestamp >= ? AND timestamp <= ?", collectionID, minTimestamp, maxTimestamp)

	q := c.db.Where("uuid IN (?)", sub)
	if len(contentTypes) > 0 {
		q = q.Where("content_type IN ?", contentTypes)
	}

	var fragments []Fragment
	if err := q.Find(&fragments).Error; err != nil {
		return nil, errors.Wrap(err, "querying fragments")
	}
	return fragments, nil
}

// QueryBuffers returns buffered fragments in the timestamp range, locked ones
// included: a buffer mid-flush is still readable until the flush commits.
func (c *Catalog) QueryBuffers(collectionID uint, minTimestamp, maxTimestamp int64, contentTypes []int) ([]BufferedFragment, error) {
	q := c.db.Where("collection_id = ? AND timestamp >= ? AND timestamp <= ?", collectionID, minTimestamp, maxTimestamp)
	if len(contentTypes) > 0 {
		q = q.Where("content_type IN ?", contentTypes)
	}

	var buffers []BufferedFragment
	if err := q.Order("timestamp").Find(&buffers).Error; err != nil {
		return nil, errors.Wrap(err, "querying buffers")
	}
	return buffers, nil
}

// GetItemsFromFragments returns every item belonging to the given fragments.
func (c *Catalog) GetItemsFromFragments(collectionID uint, fragmentUUIDs []string) ([]Item, error) {
	if len(fragmentUUIDs) == 0 {
		return nil, nil
	}
	var items []Item
	err := c.db.Where("collection_id = ? AND fragment_id IN ?", collectionID, fragmentUUIDs).
		Find(&items).Error
	if err != nil {
		return nil, errors.Wrap(err, "querying fragment items")
	}
	return items, nil
}

// QueryItems returns item metadata in the timestamp range ordered by
// timestamp, for responses that skip payload bytes.
func (c *Catalog) QueryItems(collectionID uint, minTimestamp, maxTimestamp int64, ascending bool, limit int) ([]Item, error) {
	order := "timestamp"
	if !ascending {
		order = "timestamp DESC"
	}
	q := c.db.Where("collection_id = ? AND timestamp >= ? AND timestamp <= ?", collectionID, minTimestamp, maxTimestamp).
		Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}

	var items []Item
	if err := q.Find(&items).Error; err != nil {
		return nil, errors.Wrap(err, "querying items")
	}
	return items, nil
}

// CollectionSize is the committed plus buffered byte size of a collection.
func (c *Catalog) CollectionSize(collectionID uint) (int64, error) {
	var committed int64
	err := c.db.Model(&Item{}).
		Where("collection_id = ?", collectionID).
		Select("COALESCE(SUM(size), 0)").
		Scan(&committed).Error
	if err != nil {
		return 0, errors.Wrap(err, "summing items")
	}

	var buffered int64
	err = c.db.Model(&BufferedFragment{}).
		Where("collection_id = ?", collectionID).
		Select("COALESCE(SUM(size), 0)").
		Scan(&buffered).Error
	if err != nil {
		return 0, errors.Wrap(err, "summing buffers")
	}
	return committed + buffered, nil
}

// DeleteCollection removes a collection and all of its rows, returning the
// blob UUIDs that backed it so the caller can clean the blob store.
func (c *Catalog) DeleteCollection(name string) ([]string, error) {
	col, err := c.GetCollectionByName(name)
	if err != nil {
		return nil, err
	}

	var fragmentUUIDs, bufferUUIDs []string
	err = c.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Fragment{}).Where("collection_id = ?", col.ID).Pluck("uuid", &fragmentUUIDs).Error; err != nil {
			return err
		}
		if err := tx.Model(&BufferedFragment{}).Where("collection_id = ?", col.ID).Pluck("uuid", &bufferUUIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", col.ID).Delete(&Item{}).Error; err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", col.ID).Delete(&Fragment{}).Error; err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", col.ID).Delete(&BufferedFragment{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Collection{}, col.ID).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "deleting collection")
	}

	c.collections.Remove(name)
	level.Info(c.logger).Log("msg", "collection deleted", "collection", name, "fragments", len(fragmentUUIDs), "buffers", len(bufferUUIDs))
	return append(fragmentUUIDs, bufferUUIDs...), nil
}
