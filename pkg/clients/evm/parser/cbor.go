package parser

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborDecMode cbor.DecMode

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		panic("failed to create cbor decoder: " + err.Error())
	}
}

// DecodeCborArgs decodes the LogN argument list. Byte strings are wrapped as
// {type: hex, value} and map keys are stringified so the result can be sent
// to the oracle as JSON.
func DecodeCborArgs(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty cbor payload")
	}
	var decoded any
	rest, err := cborDecMode.UnmarshalFirst(data, &decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cbor args: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected %d trailing bytes after cbor args", len(rest))
	}
	normalized := normalizeCbor(decoded)
	if items, ok := normalized.([]any); ok {
		return items, nil
	}
	return []any{normalized}, nil
}

func normalizeCbor(value any) any {
	switch v := value.(type) {
	case []byte:
		return map[string]any{"type": "hex", "value": hex.EncodeToString(v)}
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = normalizeCbor(item)
		}
		return items
	case map[any]any:
		m := make(map[string]any, len(v))
		for key, item := range v {
			m[fmt.Sprint(normalizeKey(key))] = normalizeCbor(item)
		}
		return m
	case cbor.Tag:
		return normalizeCbor(v.Content)
	default:
		return v
	}
}

func normalizeKey(key any) any {
	if b, ok := key.([]byte); ok {
		return hex.EncodeToString(b)
	}
	return key
}
