package bencode

import (
	"bytes"
	"testing"
)

func TestMarshal_Primitives(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "spam", "4:spam"},
		{"empty-string", "", "0:"},
		{"bytes", []byte("eggs"), "4:eggs"},

		{"int-neg", int(-1), "i-1e"},
		{"int-zero", int(0), "i0e"},
		{"int", int(42), "i42e"},
		{"int64", int64(9007199254740991), "i9007199254740991e"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal(%T) error: %v", tc.in, err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMarshal_Collections(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{
			name: "slice-nested",
			in:   []any{int64(1), "spam", []any{"nested", int(2)}},
			want: "li1e4:spaml6:nestedi2eee",
		},
		{
			name: "dict-sorted-keys",
			in: map[string]any{
				"b": int(2),
				"a": int(1),
				"c": []any{"x", int(3)},
			},
			want: "d1:ai1e1:bi2e1:cl1:xi3eee",
		},
		{
			name: "nested-structures",
			in: map[string]any{
				"info": map[string]any{
					"name":   "ubuntu.iso",
					"length": int64(1024),
					"pieces": []any{"abc", "def"},
				},
				"announce": "http://tracker",
			},
			want: "d8:announce14:http://tracker4:infod6:lengthi1024e4:name10:ubuntu.iso6:piecesl3:abc3:defeee",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Marshal(tc.in)
			if err != nil {
				t.Fatalf("Marshal(%T) error: %v", tc.in, err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMarshal_RejectsUnsupportedType(t *testing.T) {
	_, err := Marshal(struct{}{})
	if err == nil || !bytes.Contains([]byte(err.Error()), []byte("unsupported datatype")) {
		t.Fatalf("error = %v, want contains %q", err, "unsupported datatype")
	}
}
