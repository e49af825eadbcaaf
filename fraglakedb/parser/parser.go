// Package parser maps content types to codecs that turn raw payload bytes
// into structured values suitable for columnar encoding, and back.
package parser

import (
	"github.com/pkg/errors"
)

// ContentType tags a payload with the parser used to encode and decode it.
// The integer values are part of the wire protocol.
type ContentType int

const (
	JSON   ContentType = 0
	RAW    ContentType = 1
	GTFSRT ContentType = 2
	CSV    ContentType = 3
	GTFS   ContentType = 4
)

func (c ContentType) String() string {
	switch c {
	case JSON:
		return "json"
	case RAW:
		return "raw"
	case GTFSRT:
		return "gtfs-rt"
	case CSV:
		return "csv"
	case GTFS:
		return "gtfs"
	}
	return "unknown"
}

// ErrTypeMismatch is returned when payload bytes are not well formed for the
// parser's content type.
var ErrTypeMismatch = errors.New("payload does not match the declared content type")

// Parser converts payload bytes to a structured value and back. Parse is
// pure: the same input always yields the same value.
type Parser interface {
	Parse(data []byte) (interface{}, error)
	Serialize(value interface{}) ([]byte, error)
}

var registry = map[ContentType]Parser{
	JSON:   jsonParser{},
	RAW:    rawParser{},
	GTFSRT: gtfsRTParser{},
	CSV:    csvParser{},
}

// Get returns the parser for the given content type. Unknown types fall back
// to the RAW parser.
func Get(contentType ContentType) Parser {
	if p, ok := registry[contentType]; ok {
		return p
	}
	return rawParser{}
}
