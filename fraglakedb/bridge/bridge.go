// Package bridge converts payloads to and from the columnar fragment format.
// Every fragment holds rows of {data: <inferred>, timestamp: int64}; the
// schema for data is inferred from the first payload seen per
// (collection, content type) and cached so merges never need schema
// reconciliation.
package bridge

import (
	"bytes"
	"io"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/gzip"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/parquet-go/parquet-go/compress/zstd"
	"github.com/pkg/errors"

	"github.com/fraglake/fraglake/fraglakedb/parser"
	"github.com/fraglake/fraglake/pkg/errs"
)

const schemaCacheSize = 256

type Config struct {
	// Compression is the merge codec: gzip (default), snappy, zstd or
	// uncompressed. Single-row writes always use snappy to keep the
	// per-buffer cost low.
	Compression      string `yaml:"compression"`
	CompressionLevel int    `yaml:"compression_level"`
}

// WriteResult reports what a single-payload write produced. ContentType may
// differ from the requested one when the payload was downgraded to RAW.
type WriteResult struct {
	ContentType  parser.ContentType
	Size         int64
	OriginalSize int64
}

// Row is one decoded fragment row.
type Row struct {
	Data      []byte
	Timestamp int64
}

// BlobInput pairs fragment bytes with the id used to report merge skips.
type BlobInput struct {
	Data []byte
	ID   string
}

type Bridge struct {
	logger      log.Logger
	mergeCodec  compress.Codec
	singleCodec compress.Codec
	schemas     *lru.Cache[schemaKey, *parquet.Schema]
}

func New(cfg *Config, logger log.Logger) (*Bridge, error) {
	schemas, err := lru.New[schemaKey, *parquet.Schema](schemaCacheSize)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		logger:      logger,
		mergeCodec:  codecFor(cfg.Compression, cfg.CompressionLevel),
		singleCodec: &snappy.Codec{},
		schemas:     schemas,
	}, nil
}

func codecFor(name string, level int) compress.Codec {
	switch name {
	case "snappy":
		return &snappy.Codec{}
	case "zstd":
		return &zstd.Codec{}
	case "uncompressed", "none":
		return &parquet.Uncompressed
	}
	codec := &gzip.Codec{Level: gzip.DefaultCompression}
	if level != 0 {
		codec.Level = level
	}
	return codec
}

// WriteSingle parses the payload and writes it as a one-row fragment under
// the cached schema for (collection, contentType). Payloads that do not
// parse, or whose inferred schema is too wide, are retried once as RAW; if
// RAW itself cannot be stored the error is a DomainError.
func (b *Bridge) WriteSingle(payload []byte, timestamp int64, w io.Writer, collection string, contentType parser.ContentType) (WriteResult, error) {
	value, err := parser.Get(contentType).Parse(payload)
	if err != nil {
		if contentType == parser.RAW {
			return WriteResult{}, errs.Domain("cannot store payload, not valid raw bytes: %v", err)
		}
		level.Debug(b.logger).Log("msg", "payload does not match content type, downgrading to raw", "collection", collection, "contentType", contentType)
		return b.WriteSingle(payload, timestamp, w, collection, parser.RAW)
	}

	key := schemaKey{collection: collection, contentType: contentType}
	schema, cached := b.schemas.Get(key)
	if !cached {
		schema = inferSchema(value)
		if schemaLines(schema) > maxSchemaLines {
			if contentType == parser.RAW {
				return WriteResult{}, errs.Domain("raw schema exceeded complexity limit")
			}
			level.Warn(b.logger).Log("msg", "inferred schema too wide, downgrading to raw", "collection", collection, "contentType", contentType, "lines", schemaLines(schema))
			return b.WriteSingle(payload, timestamp, w, collection, parser.RAW)
		}
		b.schemas.Add(key, schema)
	}

	var buf bytes.Buffer
	row := map[string]interface{}{
		"data":      value,
		"timestamp": timestamp,
	}
	if err := writeRows(&buf, schema, b.singleCodec, []map[string]interface{}{row}); err != nil {
		if cached {
			// The payload no longer fits the cached schema. Evict and retry:
			// the next attempt re-seeds the cache from this payload.
			b.schemas.Remove(key)
			return b.WriteSingle(payload, timestamp, w, collection, contentType)
		}
		if contentType == parser.RAW {
			return WriteResult{}, errors.Wrap(err, "writing raw fragment")
		}
		level.Warn(b.logger).Log("msg", "schema-bound write failed, downgrading to raw", "collection", collection, "contentType", contentType, "err", err)
		return b.WriteSingle(payload, timestamp, w, collection, parser.RAW)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return WriteResult{}, err
	}

	return WriteResult{
		ContentType:  contentType,
		Size:         int64(buf.Len()),
		OriginalSize: int64(len(payload)),
	}, nil
}

// Merge concatenates the readable inputs in arrival order, sorts rows by
// timestamp ascending and re-encodes them with the merge codec. Unreadable
// inputs, and inputs whose schema differs from the first readable one, are
// reported in skipped; when nothing merges the merged bytes are nil and every
// id is skipped. Rows from a drifted schema must never be rewritten under the
// merge schema, that silently corrupts their payloads.
func (b *Bridge) Merge(inputs []BlobInput) ([]byte, []string, error) {
	var (
		schema  *parquet.Schema
		rows    []map[string]interface{}
		skipped []string
	)

	for _, input := range inputs {
		s, r, err := readAllRows(input.Data)
		if err != nil {
			level.Warn(b.logger).Log("msg", "skipping unreadable fragment during merge", "id", input.ID, "err", err)
			skipped = append(skipped, input.ID)
			continue
		}
		if schema == nil {
			schema = s
		} else if s.String() != schema.String() {
			level.Warn(b.logger).Log("msg", "skipping fragment with drifted schema during merge", "id", input.ID)
			skipped = append(skipped, input.ID)
			continue
		}
		rows = append(rows, r...)
	}

	if schema == nil {
		return nil, skipped, nil
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return timestampOf(rows[i]) < timestampOf(rows[j])
	})

	var buf bytes.Buffer
	if err := writeRows(&buf, schema, b.mergeCodec, rows); err != nil {
		return nil, nil, errors.Wrap(err, "writing merged fragment")
	}
	return buf.Bytes(), skipped, nil
}

// Read decodes a fragment, keeps rows with minTimestamp <= ts <= maxTimestamp,
// orders them by timestamp and truncates to limit (when positive). Each data
// value is serialized back to bytes through the content type's parser.
func (b *Bridge) Read(data []byte, contentType parser.ContentType, minTimestamp, maxTimestamp int64, ascending bool, limit int) ([]Row, error) {
	_, rows, err := readAllRows(data)
	if err != nil {
		return nil, errors.Wrap(err, "reading fragment")
	}

	filtered := rows[:0]
	for _, row := range rows {
		ts := timestampOf(row)
		if ts < minTimestamp || ts > maxTimestamp {
			continue
		}
		filtered = append(filtered, row)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if ascending {
			return timestampOf(filtered[i]) < timestampOf(filtered[j])
		}
		return timestampOf(filtered[i]) > timestampOf(filtered[j])
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	p := parser.Get(contentType)
	out := make([]Row, 0, len(filtered))
	for _, row := range filtered {
		data, err := p.Serialize(row["data"])
		if err != nil {
			return nil, errors.Wrap(err, "serializing fragment row")
		}
		out = append(out, Row{Data: data, Timestamp: timestampOf(row)})
	}
	return out, nil
}

func writeRows(w io.Writer, schema *parquet.Schema, codec compress.Codec, rows []map[string]interface{}) (err error) {
	defer func() {
		// Deconstructing arbitrary values panics on shape mismatches; surface
		// those as errors so callers can evict the schema and retry.
		if r := recover(); r != nil {
			err = errors.Errorf("building fragment rows: %v", r)
		}
	}()

	pw := parquet.NewGenericWriter[map[string]interface{}](w, schema, parquet.Compression(codec))
	for _, row := range rows {
		if _, err := pw.Write([]map[string]interface{}{row}); err != nil {
			return err
		}
	}
	return pw.Close()
}

func readAllRows(data []byte) (*parquet.Schema, []map[string]interface{}, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, err
	}
	schema := f.Schema()

	var out []map[string]interface{}
	for _, rg := range f.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 64)
		for {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				row := map[string]interface{}{}
				if rerr := schema.Reconstruct(&row, buf[i]); rerr != nil {
					rows.Close()
					return nil, nil, rerr
				}
				out = append(out, row)
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, nil, err
			}
		}
		if err := rows.Close(); err != nil {
			return nil, nil, err
		}
	}
	return schema, out, nil
}

func timestampOf(row map[string]interface{}) int64 {
	switch ts := row["timestamp"].(type) {
	case int64:
		return ts
	case int32:
		return int64(ts)
	case float64:
		return int64(ts)
	}
	return 0
}
