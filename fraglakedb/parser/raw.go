package parser

// rawParser is the identity codec and the registry fallback. An empty
// payload is rejected so that callers never persist zero-byte fragments.
type rawParser struct{}

func (rawParser) Parse(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, ErrTypeMismatch
	}
	return data, nil
}

func (rawParser) Serialize(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		// Byte array columns may reconstruct as strings.
		return []byte(v), nil
	}
	return nil, ErrTypeMismatch
}
