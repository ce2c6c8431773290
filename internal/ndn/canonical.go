package ndn

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON serializes a value into its canonical JSON form: object
// keys in ascending byte order, integral numbers in plain integer form,
// no extraneous whitespace. The same value always yields byte-identical
// output, which is what makes hashing it a stable identity.
func CanonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var val any
	if err := dec.Decode(&val); err != nil {
		return "", fmt.Errorf("failed to decode value: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, val); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildNamedObject computes the identifier of a named object: the
// SHA-256 of its canonical JSON under the given object type. It returns
// the identifier together with the canonical string, which is the exact
// byte sequence to store and transfer.
func BuildNamedObject(objType string, v any) (ObjId, string, error) {
	s, err := CanonicalJSON(v)
	if err != nil {
		return ObjId{}, "", err
	}
	sum := sha256.Sum256([]byte(s))
	return NewObjId(objType, sum[:]), s, nil
}

// VerifyNamedObject recomputes the identifier of an object's JSON value
// and compares it with the declared one.
func VerifyNamedObject(declared ObjId, v any) (string, error) {
	calc, s, err := BuildNamedObject(declared.ObjType, v)
	if err != nil {
		return "", err
	}
	if !calc.Equal(declared) {
		return "", fmt.Errorf("%w: object id mismatch, expected %s, got %s",
			ErrVerifyFailed, declared, calc)
	}
	return s, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(normalizeNumber(val))
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("failed to encode string: %w", err)
		}
		buf.Write(enc)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("failed to encode key: %w", err)
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("%w: unsupported JSON value %T", ErrInvalidData, v)
	}
	return nil
}

// normalizeNumber renders integral numbers without decimal or exponent
// parts so that 10, 10.0 and 1e1 all canonicalize to "10".
func normalizeNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return fmt.Sprintf("%d", i)
	}
	if f, err := n.Float64(); err == nil && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return n.String()
}
