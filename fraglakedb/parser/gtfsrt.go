package parser

import (
	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// gtfsRTParser decodes GTFS-realtime FeedMessage protobufs into the generic
// map form used for schema inference. Field names follow the protojson
// camelCase convention, matching the descriptor.
type gtfsRTParser struct{}

func (gtfsRTParser) Parse(data []byte) (interface{}, error) {
	feed := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(data, feed); err != nil {
		return nil, ErrTypeMismatch
	}
	encoded, err := protojson.Marshal(feed)
	if err != nil {
		return nil, ErrTypeMismatch
	}
	var value map[string]interface{}
	if err := json.Unmarshal(encoded, &value); err != nil {
		return nil, ErrTypeMismatch
	}
	return value, nil
}

func (gtfsRTParser) Serialize(value interface{}) ([]byte, error) {
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, ErrTypeMismatch
	}
	// Columnar reads reconstruct absent optional fields as nulls; protojson
	// rejects them, so strip empty values before re-encoding.
	pruned, _ := pruneEmpty(m)
	encoded, err := json.Marshal(pruned)
	if err != nil {
		return nil, ErrTypeMismatch
	}
	feed := &gtfsrt.FeedMessage{}
	if err := protojson.Unmarshal(encoded, feed); err != nil {
		return nil, ErrTypeMismatch
	}
	return proto.Marshal(feed)
}

// pruneEmpty removes nils, empty strings, and empty containers recursively.
// The second return reports whether anything non-empty remains.
func pruneEmpty(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		return v, v != ""
	case map[string]interface{}:
		for key, child := range v {
			pruned, keep := pruneEmpty(child)
			if !keep {
				delete(v, key)
				continue
			}
			v[key] = pruned
		}
		return v, len(v) > 0
	case []interface{}:
		kept := v[:0]
		for _, child := range v {
			pruned, keep := pruneEmpty(child)
			if keep {
				kept = append(kept, pruned)
			}
		}
		return kept, len(kept) > 0
	}
	return value, true
}
