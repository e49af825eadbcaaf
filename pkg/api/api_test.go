package api

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraglake/fraglake/fraglakedb"
	"github.com/fraglake/fraglake/fraglakedb/backend/local"
	"github.com/fraglake/fraglake/fraglakedb/catalog"
)

func testAPI(t *testing.T) *API {
	t.Helper()
	engine, err := fraglakedb.New(&fraglakedb.Config{
		Backend: fraglakedb.BackendLocal,
		Local:   &local.Config{Path: t.TempDir()},
		DB:      catalog.Config{DatabaseURL: filepath.Join(t.TempDir(), "catalog.db")},
	}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(engine.Shutdown)
	return New(engine, log.NewNopLogger())
}

func do(t *testing.T, a *API, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, jsoniter.Unmarshal(rec.Body.Bytes(), out))
}

func storeBody(metadata string, payload []byte) []byte {
	return append([]byte(metadata+"\n"), payload...)
}

func TestCreateStoreQueryRaw(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/collection/", []byte(`{"name":"A"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":1700000000,"content_type":1}`, []byte{0xde, 0xad, 0xbe, 0xef}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, a, http.MethodGet, "/query/A?min_timestamp=1699999999&max_timestamp=1700000001&ascending=true&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Data      string `json:"data"`
			Timestamp int64  `json:"timestamp"`
		} `json:"results"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "deadbeef", resp.Results[0].Data)
	assert.EqualValues(t, 1700000000, resp.Results[0].Timestamp)
}

func TestStoreCreatesCollectionOnDemand(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":100,"content_type":1}`, []byte{0x01}))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":100,"content_type":1,"create_collection":true}`, []byte{0x01}))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStoreDedup(t *testing.T) {
	a := testAPI(t)

	body := storeBody(`{"timestamp":100,"content_type":1,"create_collection":true}`, []byte{0x01, 0x02})
	rec := do(t, a, http.MethodPost, "/store/A/", body)
	require.Equal(t, http.StatusOK, rec.Code)

	body = storeBody(`{"timestamp":200,"content_type":1}`, []byte{0x01, 0x02})
	rec = do(t, a, http.MethodPost, "/store/A/", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var msg map[string]string
	decode(t, rec, &msg)
	assert.Equal(t, "Duplicate data, skipping", msg["message"])

	var resp struct {
		Results []interface{} `json:"results"`
	}
	rec = do(t, a, http.MethodGet, "/query/A?min_timestamp=0&max_timestamp=1000", nil)
	decode(t, rec, &resp)
	assert.Len(t, resp.Results, 1)
}

func TestStoreRejectsMissingMetadata(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/store/A/", []byte("no newline here"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Contains(t, resp["error"], "metadata")
}

func TestCreateCollectionConflict(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/collection/", []byte(`{"name":"A"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodPost, "/collection/", []byte(`{"name":"A"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Contains(t, resp["error"], "already exists")
}

func TestFlushAndListCollections(t *testing.T) {
	a := testAPI(t)

	for i := 1; i <= 3; i++ {
		body := storeBody(fmt.Sprintf(`{"timestamp":%d,"create_collection":true}`, i*100),
			[]byte(fmt.Sprintf(`{"n":%d}`, i)))
		rec := do(t, a, http.MethodPost, "/store/A/", body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, a, http.MethodPost, "/flush/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodPost, "/collection/", []byte(`{"name":"B"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodGet, "/collections/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats []struct {
		Name         string `json:"name"`
		MinTimestamp *int64 `json:"min_timestamp"`
		MaxTimestamp *int64 `json:"max_timestamp"`
		Count        int64  `json:"count"`
	}
	decode(t, rec, &stats)
	require.Len(t, stats, 2)
	assert.Equal(t, "A", stats[0].Name)
	require.NotNil(t, stats[0].MinTimestamp)
	require.NotNil(t, stats[0].MaxTimestamp)
	assert.EqualValues(t, 100, *stats[0].MinTimestamp)
	assert.EqualValues(t, 300, *stats[0].MaxTimestamp)
	assert.EqualValues(t, 3, stats[0].Count)

	// An empty collection reports a null range.
	assert.Equal(t, "B", stats[1].Name)
	assert.Zero(t, stats[1].Count)
	assert.Nil(t, stats[1].MinTimestamp)
	assert.Nil(t, stats[1].MaxTimestamp)
}

func TestQuerySkipData(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":100,"content_type":1,"create_collection":true}`, []byte{0xff}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodGet, "/query/A?min_timestamp=0&max_timestamp=1000&skip_data=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Data      string `json:"data"`
			Timestamp int64  `json:"timestamp"`
		} `json:"results"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].Data)
	assert.EqualValues(t, 100, resp.Results[0].Timestamp)
}

func TestAdvancedQueryRangeGuard(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":100,"create_collection":true}`, []byte(`{"n":1}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodPost, "/advanced/A/",
		[]byte(`{"min_timestamp":0,"max_timestamp":864000,"query":"SELECT count(*) FROM [table]"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "Max difference between timestamps is 7 day", resp["error"])
}

func TestAdvancedQueryRequiresPlaceholder(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/advanced/A/",
		[]byte(`{"min_timestamp":0,"max_timestamp":100,"query":"SELECT 1"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	decode(t, rec, &resp)
	assert.Contains(t, resp["error"], "[table]")
}

func TestDeleteCollection(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":100,"content_type":1,"create_collection":true}`, []byte{0x01}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodDelete, "/delete/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []interface{} `json:"results"`
	}
	rec = do(t, a, http.MethodGet, "/query/A?min_timestamp=0&max_timestamp=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Empty(t, resp.Results)

	rec = do(t, a, http.MethodDelete, "/delete/A", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSize(t *testing.T) {
	a := testAPI(t)

	rec := do(t, a, http.MethodGet, "/size/A", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, a, http.MethodPost, "/store/A/",
		storeBody(`{"timestamp":100,"content_type":1,"create_collection":true}`, []byte{0x01, 0x02, 0x03}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, a, http.MethodGet, "/size/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int64
	decode(t, rec, &resp)
	assert.Positive(t, resp["size"])
}
