// Package api exposes the engine over HTTP. All request and response bodies
// are JSON except the store body, which carries a JSON metadata line followed
// by the raw payload bytes. Expected faults map to 400 with {"error": msg}.
package api

import (
	"bytes"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fraglake/fraglake/fraglakedb"
	"github.com/fraglake/fraglake/fraglakedb/parser"
	"github.com/fraglake/fraglake/pkg/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type API struct {
	engine *fraglakedb.Engine
	logger log.Logger
	router *mux.Router
}

func New(engine *fraglakedb.Engine, logger log.Logger) *API {
	a := &API{
		engine: engine,
		logger: logger,
		router: mux.NewRouter(),
	}

	a.router.HandleFunc("/collections/", a.listCollectionsHandler).Methods(http.MethodGet)
	a.router.HandleFunc("/query/{name}", a.queryHandler).Methods(http.MethodGet)
	a.router.HandleFunc("/collection/", a.createCollectionHandler).Methods(http.MethodPost)
	a.router.HandleFunc("/flush/{name}", a.flushHandler).Methods(http.MethodPost)
	a.router.HandleFunc("/store/{name}/", a.storeHandler).Methods(http.MethodPost)
	a.router.HandleFunc("/advanced/{name}/", a.advancedQueryHandler).Methods(http.MethodPost)
	a.router.HandleFunc("/delete/{name}", a.deleteCollectionHandler).Methods(http.MethodDelete)
	a.router.HandleFunc("/size/{name}", a.sizeHandler).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		level.Error(a.logger).Log("msg", "failed to encode response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errs.IsDomain(err) || errs.IsInvariant(err) {
		status = http.StatusBadRequest
	} else {
		level.Error(a.logger).Log("msg", "request failed", "err", err)
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) writeMessage(w http.ResponseWriter, message string) {
	a.writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (a *API) listCollectionsHandler(w http.ResponseWriter, _ *http.Request) {
	stats, err := a.engine.ListCollections()
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

type queryResult struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

func (a *API) queryHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	params := r.URL.Query()

	opts := fraglakedb.QueryOptions{
		MinTimestamp: intParam(params.Get("min_timestamp"), 0),
		MaxTimestamp: intParam(params.Get("max_timestamp"), 0),
		Ascending:    boolParam(params.Get("ascending"), true),
		Limit:        int(intParam(params.Get("limit"), -1)),
		Offset:       int(intParam(params.Get("offset"), 0)),
		SkipData:     boolParam(params.Get("skip_data"), false),
	}

	rows, err := a.engine.Query(r.Context(), name, opts)
	if err != nil {
		a.writeError(w, err)
		return
	}

	results := make([]queryResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, queryResult{
			Data:      hex.EncodeToString(row.Data),
			Timestamp: row.Timestamp,
		})
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (a *API) createCollectionHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, errs.Domain("invalid request body: %v", err))
		return
	}
	if err := a.engine.CreateCollection(r.Context(), body.Name); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeMessage(w, "Collection created successfully")
}

func (a *API) flushHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.engine.Flush(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeMessage(w, "Collection flushed successfully")
}

type storeMetadata struct {
	Timestamp        int64 `json:"timestamp"`
	ContentType      int   `json:"content_type"`
	CreateCollection bool  `json:"create_collection"`
}

func (a *API) storeHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, errs.Domain("reading request body: %v", err))
		return
	}

	sep := bytes.IndexByte(body, '\n')
	if sep < 0 {
		a.writeError(w, errs.Domain("store body must be a json metadata line followed by payload bytes"))
		return
	}

	meta := storeMetadata{ContentType: int(parser.JSON)}
	if err := json.Unmarshal(body[:sep], &meta); err != nil {
		a.writeError(w, errs.Domain("invalid store metadata: %v", err))
		return
	}

	res, err := a.engine.Store(r.Context(), name, body[sep+1:], meta.Timestamp, parser.ContentType(meta.ContentType), meta.CreateCollection)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if res.Deduplicated {
		a.writeMessage(w, "Duplicate data, skipping")
		return
	}
	a.writeMessage(w, "Data stored successfully")
}

type advancedQueryRequest struct {
	MinTimestamp int64  `json:"min_timestamp"`
	MaxTimestamp int64  `json:"max_timestamp"`
	Query        string `json:"query"`
	Limit        *int   `json:"limit"`
	Ascending    *bool  `json:"ascending"`
	Offset       int    `json:"offset"`
}

func (a *API) advancedQueryHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req advancedQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, errs.Domain("invalid request body: %v", err))
		return
	}
	if !strings.Contains(req.Query, "[table]") {
		a.writeError(w, errs.Domain("query must contain the [table] placeholder"))
		return
	}

	limit := -1
	if req.Limit != nil {
		limit = *req.Limit
	}
	ascending := true
	if req.Ascending != nil {
		ascending = *req.Ascending
	}

	results, err := a.engine.AdvancedQuery(r.Context(), name, req.Query, req.MinTimestamp, req.MaxTimestamp, limit, ascending, req.Offset)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (a *API) deleteCollectionHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := a.engine.DeleteCollection(r.Context(), name); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeMessage(w, "Collection deleted successfully")
}

func (a *API) sizeHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	size, err := a.engine.CollectionSize(name)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int64{"size": size})
}

func intParam(value string, fallback int64) int64 {
	if value == "" {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func boolParam(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}
