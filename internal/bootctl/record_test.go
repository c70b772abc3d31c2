package bootctl

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRecordEncoding(t *testing.T) {
	r := Record{
		State:         StatePendingCommit,
		HasUpdate:     true,
		UpdateImage:   0x200000,
		HasRollback:   true,
		RollbackImage: 0x400000,
	}
	b, err := r.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		'U', 'C', 'B', '1',
		0x01, 0x00, // version
		0x02,                   // state
		0x03,                   // flags
		0x00, 0x00, 0x20, 0x00, // update
		0x00, 0x00, 0x40, 0x00, // rollback
		0x00, 0x00, 0x00, 0x00, // reserved
	}
	if !bytes.Equal(b[:20], want) {
		t.Errorf("encoded header\n got %X\nwant %X", b[:20], want)
	}

	var got Record
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("decoded record mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordErased(t *testing.T) {
	var r Record
	if err := r.UnmarshalBinary(bytes.Repeat([]byte{0xFF}, RecordSize)); err != nil {
		t.Fatal(err)
	}
	if r.State != StateVoid || r.HasRollback || r.HasUpdate {
		t.Errorf("erased record decoded as %+v", r)
	}
}

func TestRecordCorrupt(t *testing.T) {
	good, err := Record{State: StateNew}.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(b []byte) []byte
		wantErr error
	}{
		{"short", func(b []byte) []byte { return b[:10] }, ErrCorrupt},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrCorrupt},
		{"bad crc", func(b []byte) []byte { b[23] ^= 0xFF; return b }, ErrCorrupt},
		{"flipped state", func(b []byte) []byte { b[6] = byte(StateVoid); return b }, ErrCorrupt},
		{"future version", func(b []byte) []byte { b[4] = 2; return b }, ErrVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			var r Record
			if err := r.UnmarshalBinary(b); !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRecordMarshalUnknownState(t *testing.T) {
	if _, err := (Record{State: 9}).MarshalBinary(); err == nil {
		t.Error("expected error for unknown state")
	}
}
