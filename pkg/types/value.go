package types

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/mr-tron/base58"
)

type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBytes
	ValueText
	ValueWrapped
)

// Value is a result or proof item returned by the oracle. The oracle mixes
// plain strings, null and {type, value} wrappers in the same lists, and the
// auditor re-submits previously encoded payloads as raw bytes.
type Value struct {
	Kind         ValueKind
	Bytes        []byte
	Text         string
	WrappedType  string
	WrappedValue string
}

func NullValue() Value {
	return Value{Kind: ValueNull}
}

func BytesValue(b []byte) Value {
	return Value{Kind: ValueBytes, Bytes: b}
}

func TextValue(s string) Value {
	return Value{Kind: ValueText, Text: s}
}

func WrappedValue(typ, value string) Value {
	return Value{Kind: ValueWrapped, WrappedType: typ, WrappedValue: value}
}

func (v Value) IsNull() bool {
	return v.Kind == ValueNull
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = NullValue()
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = TextValue(s)
		return nil
	case '{':
		var wrapper struct {
			Type  *string          `json:"type"`
			Value *json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Type != nil && wrapper.Value != nil {
			var inner string
			if err := json.Unmarshal(*wrapper.Value, &inner); err != nil {
				inner = string(*wrapper.Value)
			}
			*v = WrappedValue(*wrapper.Type, inner)
			return nil
		}
	}
	*v = TextValue(string(trimmed))
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueBytes:
		return json.Marshal(map[string]string{"type": "hex", "value": hex.EncodeToString(v.Bytes)})
	case ValueText:
		return json.Marshal(v.Text)
	case ValueWrapped:
		return json.Marshal(map[string]string{"type": v.WrappedType, "value": v.WrappedValue})
	default:
		return []byte("null"), nil
	}
}

// ResultBytes normalizes a callback result. Byte payloads pass through, null
// becomes the empty string and hex wrappers are decoded.
func (v Value) ResultBytes() []byte {
	switch v.Kind {
	case ValueBytes:
		return v.Bytes
	case ValueText:
		return []byte(v.Text)
	case ValueWrapped:
		if decoded, err := hex.DecodeString(strings.TrimPrefix(v.WrappedValue, "0x")); err == nil {
			return decoded
		}
		return []byte(v.WrappedValue)
	default:
		return []byte{}
	}
}

// ProofBytes normalizes a callback proof. Base58 multihashes (IPFS links) are
// decoded to their binary form, wrappers are decoded according to their type
// and any other text is taken verbatim.
func (v Value) ProofBytes() []byte {
	switch v.Kind {
	case ValueBytes:
		return v.Bytes
	case ValueText:
		if v.Text == "" {
			return []byte{}
		}
		if mh, ok := DecodeMultihash(v.Text); ok {
			return mh
		}
		return []byte(v.Text)
	case ValueWrapped:
		switch strings.ToLower(v.WrappedType) {
		case "base64":
			if decoded, err := base64.StdEncoding.DecodeString(v.WrappedValue); err == nil {
				return decoded
			}
		case "hex":
			if decoded, err := hex.DecodeString(strings.TrimPrefix(v.WrappedValue, "0x")); err == nil {
				return decoded
			}
		}
		return []byte(v.WrappedValue)
	default:
		return []byte{}
	}
}

// multihash function codes accepted as proof links
var multihashCodes = map[byte]struct{}{
	0x11: {}, // sha1
	0x12: {}, // sha2-256
	0x13: {}, // sha2-512
	0x14: {}, // sha3-512
	0x15: {}, // sha3-384
	0x16: {}, // sha3-256
	0x17: {}, // sha3-224
	0x18: {}, // shake-128
	0x19: {}, // shake-256
	0x1a: {}, // keccak-224
	0x1b: {}, // keccak-256
	0x1c: {}, // keccak-384
	0x1d: {}, // keccak-512
	0x56: {}, // dbl-sha2-256
}

// DecodeMultihash decodes a base58 string and checks it carries a valid
// multihash header (function code, digest length, digest).
func DecodeMultihash(s string) ([]byte, bool) {
	decoded, err := base58.Decode(s)
	if err != nil || len(decoded) < 3 {
		return nil, false
	}
	code, length := decoded[0], int(decoded[1])
	if _, ok := multihashCodes[code]; !ok && code > 0x0f {
		return nil, false
	}
	if length == 0 || len(decoded)-2 != length {
		return nil, false
	}
	return decoded, true
}
