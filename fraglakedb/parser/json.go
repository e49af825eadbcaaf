package parser

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonParser decodes RFC 8259 texts into generic Go values. Serialization is
// key-sorted, which is the one normalization callers must tolerate on
// round trips.
type jsonParser struct{}

func (jsonParser) Parse(data []byte) (interface{}, error) {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, ErrTypeMismatch
	}
	return value, nil
}

func (jsonParser) Serialize(value interface{}) ([]byte, error) {
	out, err := json.Marshal(value)
	if err != nil {
		return nil, ErrTypeMismatch
	}
	return out, nil
}
