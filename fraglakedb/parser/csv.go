package parser

import (
	"bytes"
	"encoding/csv"
)

// csvParser represents a CSV document as its header plus one record map per
// data row. The header is kept separately so column order survives the trip
// through an unordered map.
type csvParser struct{}

func (csvParser) Parse(data []byte) (interface{}, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil || len(records) == 0 {
		return nil, ErrTypeMismatch
	}
	header := records[0]
	headerValues := make([]interface{}, len(header))
	for i, column := range header {
		headerValues[i] = column
	}

	rows := make([]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]interface{}, len(header))
		for i, column := range header {
			if i < len(record) {
				row[column] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return map[string]interface{}{
		"header":  headerValues,
		"records": rows,
	}, nil
}

func (csvParser) Serialize(value interface{}) ([]byte, error) {
	doc, ok := value.(map[string]interface{})
	if !ok {
		return nil, ErrTypeMismatch
	}
	headerValues, ok := doc["header"].([]interface{})
	if !ok || len(headerValues) == 0 {
		return nil, ErrTypeMismatch
	}
	header := make([]string, len(headerValues))
	for i, column := range headerValues {
		s, ok := column.(string)
		if !ok {
			return nil, ErrTypeMismatch
		}
		header[i] = s
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	rows, _ := doc["records"].([]interface{})
	record := make([]string, len(header))
	for _, row := range rows {
		fields, ok := row.(map[string]interface{})
		if !ok {
			return nil, ErrTypeMismatch
		}
		for i, column := range header {
			record[i] = ""
			if v, ok := fields[column]; ok && v != nil {
				if s, ok := v.(string); ok {
					record[i] = s
				}
			}
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
