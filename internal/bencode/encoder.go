package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v. v must be built from the same
// type surface Decoder.Decode produces — int64, string, []byte, []any,
// map[string]any — since Marshal exists only to re-serialize a
// previously-decoded (or hand-built-to-match) value, most notably
// metainfo's info dict for hash computation (infoHash in
// internal/meta/metainfo.go). It is not a general-purpose struct
// marshaler.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeValue writes the bencoded form of v to buf, dispatching on the
// four shapes Decoder.Decode returns plus int and []byte.
func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case int64:
		return encodeInt(buf, x)
	case int:
		return encodeInt(buf, int64(x))
	case string:
		return encodeString(buf, x)
	case []byte:
		return encodeString(buf, string(x))
	case []any:
		return encodeList(buf, x)
	case map[string]any:
		return encodeDict(buf, x)
	default:
		return fmt.Errorf("bencode: unsupported datatype '%T'", v)
	}
}

// encodeInt writes: 'i' <base10 digits> 'e'.
func encodeInt(buf *bytes.Buffer, n int64) error {
	buf.WriteByte(TokenInteger.Byte())

	var scratch [32]byte
	buf.Write(strconv.AppendInt(scratch[:0], n, 10))

	buf.WriteByte(TokenEnding.Byte())
	return nil
}

// encodeString writes: <len> ':' <bytes>.
func encodeString(buf *bytes.Buffer, s string) error {
	var scratch [32]byte
	buf.Write(strconv.AppendInt(scratch[:0], int64(len(s)), 10))
	buf.WriteByte(TokenStringSeparator.Byte())

	_, err := io.WriteString(buf, s)
	return err
}

// encodeList writes: 'l' <elements> 'e'. Each element is encoded
// recursively.
func encodeList(buf *bytes.Buffer, xs []any) error {
	buf.WriteByte(TokenList.Byte())
	for _, v := range xs {
		if err := encodeValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(TokenEnding.Byte())
	return nil
}

// encodeDict writes: 'd' <key><value> ... 'e'. Keys are sorted
// lexicographically, as BEP 3 requires for a canonical encoding (this
// matters for infoHash: the same info dict must always hash the same
// way regardless of map iteration order).
func encodeDict(buf *bytes.Buffer, m map[string]any) error {
	buf.WriteByte(TokenDict.Byte())

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := encodeString(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}

	buf.WriteByte(TokenEnding.Byte())
	return nil
}
