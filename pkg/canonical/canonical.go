// Package canonical provides deterministic JSON canonicalization, content
// hashing, and derived-ID construction for settlement artifacts.
//
// Two logically equal objects (same fields, different key order or
// whitespace) always produce identical canonical bytes, so they hash
// identically. Canonicalization fails closed with SCHEMA_INVALID on any
// value that has no deterministic JSON form (non-finite numbers, negative
// zero, invalid UTF-8).
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// Marshal returns the canonical JSON form of v: lexicographically sorted
// keys, compact separators, HTML escaping disabled, NFC-normalized strings.
//
// v is first marshaled through encoding/json (so struct tags are honored),
// then re-encoded deterministically. Numbers survive as json.Number so their
// source representation is preserved exactly.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: pre-marshal failed: %v", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: intermediate decode failed: %v", err)
	}

	return marshalValue(generic)
}

// Transform returns the RFC 8785 canonical form of already-encoded JSON.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: jcs transform failed: %v", err)
	}
	return out, nil
}

// ContentHash returns the lowercase SHA-256 hex digest of the canonical
// form of v. This is the 64-character hash used everywhere an artifact is
// referenced by content.
func ContentHash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeriveID builds a stable identifier from a prefix and an ordered set of
// inputs: "{prefix}_{sha256hex(join(inputs, \"\\n\"))}". Re-deriving from the
// same inputs always yields the same ID; randomness is never involved.
func DeriveID(prefix string, inputs ...string) string {
	return prefix + "_" + HashBytes([]byte(strings.Join(inputs, "\n")))
}

// IsSHA256Hex reports whether s is a 64-character lowercase hex string.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func marshalValue(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		s := t.String()
		if s == "-0" || strings.HasPrefix(s, "-0.") && strings.Trim(s[3:], "0") == "" {
			return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: negative zero has no canonical form")
		}
		return []byte(s), nil
	case string:
		return encodeString(t)
	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := encodeString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalValue(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: unsupported value type %T", v)
	}
}

// encodeString emits a JSON string with HTML escaping disabled and the
// content normalized to Unicode NFC, so visually identical strings with
// different codepoint sequences canonicalize identically.
func encodeString(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: invalid UTF-8 string")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "canonical: string encode failed: %v", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
