package bridge

import (
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/fraglake/fraglake/fraglakedb/parser"
)

// maxSchemaLines caps schema complexity: a rendered schema wider than this
// approximates a very wide union type and is downgraded to RAW.
const maxSchemaLines = 100

type schemaKey struct {
	collection  string
	contentType parser.ContentType
}

// inferSchema derives the fragment schema {data: <inferred>, timestamp: int64}
// from a parsed payload value.
func inferSchema(value interface{}) *parquet.Schema {
	return parquet.NewSchema("fragment", parquet.Group{
		"data":      fieldOf(value),
		"timestamp": parquet.Int(64),
	})
}

// fieldOf wraps the inferred node with the right repetition: lists become
// repeated fields, everything else optional.
func fieldOf(value interface{}) parquet.Node {
	if list, ok := value.([]interface{}); ok {
		return parquet.Repeated(nodeOf(elementOf(list)))
	}
	return parquet.Optional(nodeOf(value))
}

func nodeOf(value interface{}) parquet.Node {
	switch v := value.(type) {
	case bool:
		return parquet.Leaf(parquet.BooleanType)
	case float64, float32:
		return parquet.Leaf(parquet.DoubleType)
	case int, int32, int64, uint64:
		return parquet.Int(64)
	case []byte:
		return parquet.Leaf(parquet.ByteArrayType)
	case map[string]interface{}:
		if len(v) == 0 {
			return parquet.String()
		}
		group := parquet.Group{}
		for key, child := range v {
			group[key] = fieldOf(child)
		}
		return group
	}
	return parquet.String()
}

// elementOf unions list elements into a single representative value so that
// heterogeneous object lists produce one group with every observed key.
func elementOf(list []interface{}) interface{} {
	merged := map[string]interface{}{}
	sawMap := false
	for _, element := range list {
		m, ok := element.(map[string]interface{})
		if !ok {
			continue
		}
		sawMap = true
		for key, child := range m {
			if existing, ok := merged[key]; !ok || existing == nil {
				merged[key] = child
			}
		}
	}
	if sawMap {
		return merged
	}
	for _, element := range list {
		if element != nil {
			return element
		}
	}
	return ""
}

func schemaLines(schema *parquet.Schema) int {
	return strings.Count(schema.String(), "\n") + 1
}
