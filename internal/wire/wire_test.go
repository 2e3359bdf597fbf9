package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	var w Writer
	w.Uint8(0x7f)
	w.Uint32(0xdeadbeef)
	w.Uint64(0x0123456789abcdef)
	w.Int64(-42)
	w.Bool(true)
	w.Bool(false)
	w.Blob([]byte{1, 2, 3})
	w.String("héllo")
	w.Uint32s([]uint32{10, 20, 30})

	r := NewReader(w.Bytes())
	if v := r.Uint8(); v != 0x7f {
		t.Errorf("Uint8 = %#x", v)
	}
	if v := r.Uint32(); v != 0xdeadbeef {
		t.Errorf("Uint32 = %#x", v)
	}
	if v := r.Uint64(); v != 0x0123456789abcdef {
		t.Errorf("Uint64 = %#x", v)
	}
	if v := r.Int64(); v != -42 {
		t.Errorf("Int64 = %d", v)
	}
	if !r.Bool() || r.Bool() {
		t.Error("Bool round trip failed")
	}
	if v := r.Blob(); !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Errorf("Blob = % x", v)
	}
	if v := r.String(); v != "héllo" {
		t.Errorf("String = %q", v)
	}
	vs := r.Uint32s()
	if len(vs) != 3 || vs[0] != 10 || vs[1] != 20 || vs[2] != 30 {
		t.Errorf("Uint32s = %v", vs)
	}
	if r.Err() != nil {
		t.Errorf("Err = %s", r.Err())
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining = %d", r.Remaining())
	}
}

func TestLittleEndianLayout(t *testing.T) {
	var w Writer
	w.Uint32(0x11223344)
	want := []byte{0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("Uint32 layout = % x, want % x", w.Bytes(), want)
	}

	w = Writer{}
	w.String("ab")
	want = []byte{0x02, 0x00, 0x00, 0x00, 'a', 'b'}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("String layout = % x, want % x", w.Bytes(), want)
	}

	w = Writer{}
	w.Uint32s([]uint32{5})
	want = []byte{0x04, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00}
	if !bytes.Equal(w.Bytes(), want) {
		t.Errorf("Uint32s layout = % x, want % x", w.Bytes(), want)
	}
}

func TestTruncatedReads(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *Reader)
	}{
		{"short integer", []byte{1, 2}, func(r *Reader) { r.Uint32() }},
		{"short blob body", []byte{5, 0, 0, 0, 1}, func(r *Reader) { r.Blob() }},
		{"missing blob length", []byte{}, func(r *Reader) { _ = r.String() }},
		{"short set", []byte{8, 0, 0, 0, 1, 0, 0, 0}, func(r *Reader) { r.Uint32s() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.data)
			tt.read(r)
			if !errors.Is(r.Err(), ErrTruncated) {
				t.Errorf("Err = %v, want ErrTruncated", r.Err())
			}
			// Errors stick.
			if v := r.Uint32(); v != 0 {
				t.Errorf("read after error = %#x, want 0", v)
			}
		})
	}
}
