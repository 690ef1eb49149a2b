package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// MaxPayloadBytes bounds the cumulative decompressed size of a payload
// tag's children, guarding against decompression bombs.
const MaxPayloadBytes = 64 * 1024 * 1024

const (
	zlibMinInputSize = 128
	zlibMaxRatio     = 0.70
)

// ErrMalformedPayload is wrapped by every payload-decode failure.
var ErrMalformedPayload = errors.New("charon/wire: malformed payload")

// EncodePayload wraps data in a payload tag named name, picking the zlib,
// raw, or base64 child representation per the wire-codec selection rules.
func EncodePayload(name string, data []byte) *Tag {
	t := NewTag(name)
	if len(data) == 0 {
		return t
	}
	if z := tryZlib(data); z != nil {
		return t.AddChild(z)
	}
	if canStoreRaw(data) {
		return t.AddChild(&Tag{Name: "raw", CData: string(data)})
	}
	return t.AddChild(&Tag{Name: "base64", CData: base64.StdEncoding.EncodeToString(data)})
}

func tryZlib(data []byte) *Tag {
	if len(data) < zlibMinInputSize {
		return nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return nil
	}
	compressed := buf.Bytes()
	if float64(len(compressed)) > float64(len(data))*zlibMaxRatio {
		return nil
	}
	z := NewTag("zlib").WithAttr("size", fmt.Sprintf("%d", len(data)))
	z.AddChild(&Tag{Name: "base64", CData: base64.StdEncoding.EncodeToString(compressed)})
	return z
}

// canStoreRaw reports whether data consists only of printable ASCII plus
// newline, i.e. it can be embedded as literal CDATA without escaping
// concerns.
func canStoreRaw(data []byte) bool {
	for _, b := range data {
		if b == '\n' {
			continue
		}
		if b >= 0x20 && b < 0x7f {
			continue
		}
		return false
	}
	return true
}

// DecodePayload decodes a payload tag back into bytes, recursing over all
// immediate children in order and enforcing MaxPayloadBytes cumulatively.
func DecodePayload(t *Tag) ([]byte, error) {
	var out bytes.Buffer
	for _, c := range t.Children {
		chunk, err := decodeChild(c)
		if err != nil {
			return nil, err
		}
		if out.Len()+len(chunk) > MaxPayloadBytes {
			return nil, errors.Wrap(ErrMalformedPayload, "payload exceeds size ceiling")
		}
		out.Write(chunk)
	}
	return out.Bytes(), nil
}

func decodeChild(c *Tag) ([]byte, error) {
	switch c.Name {
	case "raw":
		return []byte(c.CData), nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(c.CData)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, "invalid base64")
		}
		return b, nil
	case "zlib":
		return decodeZlib(c)
	default:
		return nil, errors.Wrapf(ErrMalformedPayload, "unknown payload child tag %q", c.Name)
	}
}

func decodeZlib(c *Tag) ([]byte, error) {
	sizeStr, ok := c.GetAttr("size")
	if !ok {
		return nil, errors.Wrap(ErrMalformedPayload, "zlib tag missing size attribute")
	}
	var size int64
	if _, err := fmt.Sscanf(sizeStr, "%d", &size); err != nil || size < 0 {
		return nil, errors.Wrap(ErrMalformedPayload, "zlib tag has invalid size attribute")
	}
	if size > MaxPayloadBytes {
		return nil, errors.Wrap(ErrMalformedPayload, "zlib declared size exceeds ceiling")
	}
	if len(c.Children) != 1 {
		return nil, errors.Wrap(ErrMalformedPayload, "zlib tag must contain exactly one child")
	}
	inner := c.Find("base64")
	if inner == nil {
		return nil, errors.Wrap(ErrMalformedPayload, "zlib tag must wrap a base64 child")
	}
	compressed, err := base64.StdEncoding.DecodeString(inner.CData)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, "invalid base64 inside zlib")
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, "invalid zlib stream")
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, "zlib decompression failed")
	}
	if int64(len(out)) != size {
		return nil, errors.Wrap(ErrMalformedPayload, "decompressed size does not match declared size")
	}
	return out, nil
}

// EncodeJSON marshals v compactly (no indentation, HTML-escaping disabled)
// and wraps the result as a payload tag named name.
func EncodeJSON(name string, v interface{}) (*Tag, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "charon/wire: encoding JSON payload")
	}
	return EncodePayload(name, bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// DecodeJSON decodes the payload carried by t as JSON into v, rejecting
// duplicate object keys and trailing data after the value.
func DecodeJSON(t *Tag, v interface{}) error {
	data, err := DecodePayload(t)
	if err != nil {
		return err
	}
	if err := checkNoDuplicateKeys(data); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(ErrMalformedPayload, err.Error())
	}
	if dec.More() {
		return errors.Wrap(ErrMalformedPayload, "trailing data after JSON value")
	}
	return nil
}

func checkNoDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(ErrMalformedPayload, err.Error())
	}
	if err := walkNoDup(dec, tok); err != nil {
		return errors.Wrap(ErrMalformedPayload, err.Error())
	}
	return nil
}

func walkNoDup(dec *json.Decoder, tok json.Token) error {
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]bool)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return err
			}
			key, ok := keyTok.(string)
			if !ok {
				return fmt.Errorf("expected object key")
			}
			if seen[key] {
				return fmt.Errorf("duplicate key %q", key)
			}
			seen[key] = true
			valTok, err := dec.Token()
			if err != nil {
				return err
			}
			if err := walkNoDup(dec, valTok); err != nil {
				return err
			}
		}
		_, err := dec.Token() // consume closing '}'
		return err
	case '[':
		for dec.More() {
			valTok, err := dec.Token()
			if err != nil {
				return err
			}
			if err := walkNoDup(dec, valTok); err != nil {
				return err
			}
		}
		_, err := dec.Token() // consume closing ']'
		return err
	}
	return nil
}
