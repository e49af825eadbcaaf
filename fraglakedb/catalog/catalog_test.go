package catalog

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraglake/fraglake/pkg/errs"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(&Config{
		DatabaseURL: filepath.Join(t.TempDir(), "catalog.db"),
	}, log.NewNopLogger())
	require.NoError(t, err)
	return c
}

func testBuffer(collectionID uint, ts int64, size int64) *BufferedFragment {
	return &BufferedFragment{
		Timestamp:    ts,
		CollectionID: collectionID,
		ContentType:  0,
		Size:         size,
		OriginalSize: size * 2,
		UUID:         uuid.New().String(),
		Hash:         fmt.Sprintf("hash-%d", ts),
	}
}

func TestCreateCollection(t *testing.T) {
	c := testCatalog(t)

	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)
	assert.NotZero(t, col.ID)

	_, err = c.CreateCollection("vehicles", false)
	require.Error(t, err)
	assert.True(t, errs.IsDomain(err))

	again, err := c.CreateCollection("vehicles", true)
	require.NoError(t, err)
	assert.Equal(t, col.ID, again.ID)
}

func TestGetCollectionByName(t *testing.T) {
	c := testCatalog(t)

	_, err := c.GetCollectionByName("missing")
	require.Error(t, err)
	assert.True(t, errs.IsDomain(err))
	assert.Contains(t, err.Error(), "does not exist")

	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	got, err := c.GetCollectionByName("vehicles")
	require.NoError(t, err)
	assert.Equal(t, col.ID, got.ID)
}

func TestLogBufferRejectsDuplicateTimestamp(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))

	err = c.LogBuffer(testBuffer(col.ID, 100, 10))
	require.Error(t, err)
	assert.True(t, errs.IsDomain(err))

	// Same timestamp in another collection is fine.
	other, err := c.CreateCollection("trips", false)
	require.NoError(t, err)
	require.NoError(t, c.LogBuffer(testBuffer(other.ID, 100, 10)))
}

func TestGetUnlockedBuffersSize(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	size, err := c.GetUnlockedBuffersSize(col.ID)
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))
	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 200, 15)))

	size, err = c.GetUnlockedBuffersSize(col.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 50, size) // original sizes: 20 + 30
}

func TestGetAndLockBuffers(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 200, 10)))
	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))

	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.Len(t, buffers, 2)
	assert.EqualValues(t, 100, buffers[0].Timestamp)
	assert.True(t, buffers[0].Locked)

	// Locked buffers are not claimed twice.
	again, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	assert.Empty(t, again)

	// But they no longer count toward the flush threshold.
	size, err := c.GetUnlockedBuffersSize(col.ID)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestUnlockBuffers(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.Len(t, buffers, 1)

	require.NoError(t, c.UnlockBuffers(buffers))

	again, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestFlushBuffer(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))
	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 200, 10)))
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.Len(t, buffers, 2)

	fragmentUUID := uuid.New().String()
	require.NoError(t, c.FlushBuffer(col.ID, fragmentUUID, 0, buffers, 40))

	fragments, err := c.Query(col.ID, 0, 1000, nil)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, fragmentUUID, fragments[0].UUID)

	items, err := c.QueryItems(col.ID, 0, 1000, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, fragmentUUID, items[0].FragmentID)
	assert.EqualValues(t, 20, items[0].Size)
	assert.EqualValues(t, 20, items[0].OriginalSize)

	remaining, err := c.QueryBuffers(col.ID, 0, 1000, nil)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFlushSkippedBuffers(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	buf := testBuffer(col.ID, 100, 10)
	require.NoError(t, c.LogBuffer(buf))
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)

	require.NoError(t, c.FlushSkippedBuffers(col.ID, buffers))

	// The promoted fragment keeps the buffer's blob key.
	fragments, err := c.Query(col.ID, 0, 1000, nil)
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, buf.UUID, fragments[0].UUID)

	items, err := c.QueryItems(col.ID, 0, 1000, true, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.EqualValues(t, buf.Size, items[0].Size)

	remaining, err := c.QueryBuffers(col.ID, 0, 1000, nil)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestQueryRangeAndContentTypes(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	jsonBuf := testBuffer(col.ID, 100, 10)
	require.NoError(t, c.LogBuffer(jsonBuf))
	rawBuf := testBuffer(col.ID, 200, 10)
	rawBuf.ContentType = 1
	require.NoError(t, c.LogBuffer(rawBuf))

	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.NoError(t, c.FlushSkippedBuffers(col.ID, buffers))

	all, err := c.Query(col.ID, 0, 1000, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	jsonOnly, err := c.Query(col.ID, 0, 1000, []int{0})
	require.NoError(t, err)
	require.Len(t, jsonOnly, 1)
	assert.Equal(t, jsonBuf.UUID, jsonOnly[0].UUID)

	// Range bounds are inclusive.
	exact, err := c.Query(col.ID, 200, 200, nil)
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, rawBuf.UUID, exact[0].UUID)

	none, err := c.Query(col.ID, 201, 1000, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueryBuffersIncludesLocked(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))
	_, err = c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)

	buffers, err := c.QueryBuffers(col.ID, 0, 1000, nil)
	require.NoError(t, err)
	require.Len(t, buffers, 1)
	assert.True(t, buffers[0].Locked)
}

func TestQueryItemsOrderAndLimit(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	for _, ts := range []int64{300, 100, 200} {
		require.NoError(t, c.LogBuffer(testBuffer(col.ID, ts, 10)))
	}
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.NoError(t, c.FlushSkippedBuffers(col.ID, buffers))

	desc, err := c.QueryItems(col.ID, 0, 1000, false, 2)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.EqualValues(t, 300, desc[0].Timestamp)
	assert.EqualValues(t, 200, desc[1].Timestamp)
}

func TestCollectionSize(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	size, err := c.CollectionSize(col.ID)
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))
	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 200, 15)))

	size, err = c.CollectionSize(col.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, size)

	// Promote one buffer; the total does not change.
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.NoError(t, c.FlushSkippedBuffers(col.ID, buffers[:1]))

	size, err = c.CollectionSize(col.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, size)
}

func TestListCollections(t *testing.T) {
	c := testCatalog(t)

	empty, err := c.ListCollections()
	require.NoError(t, err)
	assert.Empty(t, empty)

	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)
	_, err = c.CreateCollection("trips", false)
	require.NoError(t, err)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))
	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 200, 10)))
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.NoError(t, c.FlushBuffer(col.ID, uuid.New().String(), 0, buffers, 40))
	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 300, 5)))

	stats, err := c.ListCollections()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	// Ordered by name. The empty collection has no timestamp range.
	assert.Equal(t, "trips", stats[0].Name)
	assert.Zero(t, stats[0].Count)
	assert.Nil(t, stats[0].MinTimestamp)
	assert.Nil(t, stats[0].MaxTimestamp)

	vehicles := stats[1]
	assert.Equal(t, "vehicles", vehicles.Name)
	assert.EqualValues(t, 3, vehicles.Count)
	require.NotNil(t, vehicles.MinTimestamp)
	require.NotNil(t, vehicles.MaxTimestamp)
	assert.EqualValues(t, 100, *vehicles.MinTimestamp)
	assert.EqualValues(t, 300, *vehicles.MaxTimestamp)
	assert.EqualValues(t, 1, vehicles.Fragments)
	assert.EqualValues(t, 40, vehicles.Size)
	assert.EqualValues(t, 40, vehicles.OriginalSize)
	assert.EqualValues(t, 1, vehicles.BufferedItems)
	assert.EqualValues(t, 5, vehicles.BufferedSize)
}

func TestCollectionsWithBuffers(t *testing.T) {
	c := testCatalog(t)

	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)
	_, err = c.CreateCollection("trips", false)
	require.NoError(t, err)

	names, err := c.CollectionsWithBuffers()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, c.LogBuffer(testBuffer(col.ID, 100, 10)))

	names, err = c.CollectionsWithBuffers()
	require.NoError(t, err)
	assert.Equal(t, []string{"vehicles"}, names)
}

func TestDeleteCollection(t *testing.T) {
	c := testCatalog(t)
	col, err := c.CreateCollection("vehicles", false)
	require.NoError(t, err)

	promoted := testBuffer(col.ID, 100, 10)
	require.NoError(t, c.LogBuffer(promoted))
	buffers, err := c.GetAndLockBuffers(col.ID)
	require.NoError(t, err)
	require.NoError(t, c.FlushSkippedBuffers(col.ID, buffers))

	buffered := testBuffer(col.ID, 200, 10)
	require.NoError(t, c.LogBuffer(buffered))

	uuids, err := c.DeleteCollection("vehicles")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{promoted.UUID, buffered.UUID}, uuids)

	_, err = c.GetCollectionByName("vehicles")
	require.Error(t, err)
	assert.True(t, errs.IsDomain(err))

	_, err = c.DeleteCollection("vehicles")
	require.Error(t, err)
}
