package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestLayoutValidate(t *testing.T) {
	def := DefaultLayout()

	tests := []struct {
		name    string
		layout  Layout
		devSize int64
		wantErr bool
	}{
		{"default fits", def, def.End(), false},
		{"default unbounded", def, 0, false},
		{"device too small", def, def.End() - 1, true},
		{"zero slot size", Layout{UCBSize: 16}, 0, true},
		{"zero ucb size", Layout{SlotSize: 16, UpdateAddr: 16, BackupAddr: 32, UCBAddr: 48}, 0, true},
		{
			"update overlaps execute",
			Layout{SlotSize: 0x100, ExecAddr: 0, UpdateAddr: 0x80, BackupAddr: 0x200, UCBAddr: 0x300, UCBSize: 0x10},
			0, true,
		},
		{
			"ucb inside backup",
			Layout{SlotSize: 0x100, ExecAddr: 0, UpdateAddr: 0x100, BackupAddr: 0x200, UCBAddr: 0x2F0, UCBSize: 0x10},
			0, true,
		},
		{
			"negative address",
			Layout{SlotSize: 0x100, ExecAddr: -0x100, UpdateAddr: 0x100, BackupAddr: 0x200, UCBAddr: 0x300, UCBSize: 0x10},
			0, true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.layout.Validate(tt.devSize)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLayoutSlotAt(t *testing.T) {
	l := DefaultLayout()
	for _, s := range []Slot{SlotExecute, SlotUpdate, SlotBackup} {
		got, ok := l.SlotAt(l.Addr(s))
		if !ok || got != s {
			t.Errorf("SlotAt(0x%X) = %v, %v; want %v", l.Addr(s), got, ok, s)
		}
	}
	if _, ok := l.SlotAt(0x1234); ok {
		t.Error("SlotAt(0x1234) should not match a slot")
	}
}

func TestFileDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	dev, err := OpenFile(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	if dev.Size() != 4096 {
		t.Fatalf("size = %d, want 4096", dev.Size())
	}

	erased := make([]byte, 16)
	if _, err := dev.ReadAt(erased, 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(erased, bytes.Repeat([]byte{0xFF}, 16)) {
		t.Errorf("fresh device not erased: %X", erased)
	}

	if _, err := dev.WriteAt([]byte("hello"), 4092); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write past end: err = %v, want ErrOutOfRange", err)
	}
	if _, err := dev.WriteAt([]byte("hello"), 10); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	if _, err := dev.ReadAt(got, 10); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("read back %q, want %q", got, "hello")
	}
}

func TestFileDeviceReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	dev, err := OpenFile(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.WriteAt([]byte{1, 2, 3}, 0); err != nil {
		t.Fatal(err)
	}
	dev.Close()

	dev, err = OpenFile(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()
	if dev.Size() != 1024 {
		t.Errorf("size = %d, want 1024", dev.Size())
	}
	got := make([]byte, 3)
	if _, err := dev.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestCopySlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	dev, err := OpenFile(path, 1000)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	src := make([]byte, 300)
	for i := range src {
		src[i] = byte(i)
	}
	if _, err := dev.WriteAt(src, 0); err != nil {
		t.Fatal(err)
	}
	// Chunk size that does not divide the slot evenly.
	if err := CopySlot(dev, 500, 0, 300, 7); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 300)
	if _, err := dev.ReadAt(got, 500); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Error("copied slot does not match source")
	}
}
