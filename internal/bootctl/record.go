package bootctl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// State is the boot state stored in the control record.
type State uint8

// The numeric values are part of the on-flash format.
const (
	StateVoid          State = 0
	StateNew           State = 1
	StatePendingCommit State = 2
	StateInvalid       State = 3
)

func (s State) String() string {
	switch s {
	case StateVoid:
		return "VOID"
	case StateNew:
		return "NEW"
	case StatePendingCommit:
		return "PENDING_COMMIT"
	case StateInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// RecordSize is the encoded size of a v1 record.
const RecordSize = 24

const (
	recordVersion = 1

	flagUpdate   = 1 << 0
	flagRollback = 1 << 1
)

var recordMagic = [4]byte{'U', 'C', 'B', '1'}

var (
	// ErrCorrupt is returned when a record fails its integrity checks.
	ErrCorrupt = errors.New("boot control record corrupt")
	// ErrVersion is returned for records written by an unknown layout version.
	ErrVersion = errors.New("unsupported boot control record version")
)

// Record is the persistent boot control record shared with the bootloader.
//
// Encoded layout, little endian:
//
//	0  magic "UCB1"
//	4  u16 version (1)
//	6  u8  state
//	7  u8  flags (bit0 update image set, bit1 rollback image set)
//	8  u32 update image address
//	12 u32 rollback image address
//	16 u32 reserved, zero
//	20 u32 crc32 (IEEE) over bytes [0, 20)
//
// A fully erased record (all 0xFF) decodes as VOID with no images.
type Record struct {
	State State

	HasUpdate   bool
	UpdateImage uint32

	HasRollback   bool
	RollbackImage uint32
}

// ClearRollback drops the rollback reference.
func (r *Record) ClearRollback() {
	r.HasRollback = false
	r.RollbackImage = 0
}

// MarshalBinary encodes r using the v1 layout.
func (r Record) MarshalBinary() ([]byte, error) {
	if r.State > StateInvalid {
		return nil, fmt.Errorf("marshal record: unknown state %d", r.State)
	}
	b := make([]byte, RecordSize)
	copy(b[0:4], recordMagic[:])
	binary.LittleEndian.PutUint16(b[4:6], recordVersion)
	b[6] = byte(r.State)
	var flags byte
	if r.HasUpdate {
		flags |= flagUpdate
		binary.LittleEndian.PutUint32(b[8:12], r.UpdateImage)
	}
	if r.HasRollback {
		flags |= flagRollback
		binary.LittleEndian.PutUint32(b[12:16], r.RollbackImage)
	}
	b[7] = flags
	binary.LittleEndian.PutUint32(b[20:24], crc32.ChecksumIEEE(b[:20]))
	return b, nil
}

// UnmarshalBinary decodes a v1 record.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) < RecordSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrCorrupt, len(b), RecordSize)
	}
	b = b[:RecordSize]

	if erased(b) {
		*r = Record{State: StateVoid}
		return nil
	}
	if [4]byte(b[0:4]) != recordMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, b[0:4])
	}
	if v := binary.LittleEndian.Uint16(b[4:6]); v != recordVersion {
		return fmt.Errorf("%w: %d", ErrVersion, v)
	}
	if want, got := binary.LittleEndian.Uint32(b[20:24]), crc32.ChecksumIEEE(b[:20]); want != got {
		return fmt.Errorf("%w: crc 0x%08X, computed 0x%08X", ErrCorrupt, want, got)
	}
	st := State(b[6])
	if st > StateInvalid {
		return fmt.Errorf("%w: unknown state %d", ErrCorrupt, b[6])
	}

	flags := b[7]
	*r = Record{
		State:         st,
		HasUpdate:     flags&flagUpdate != 0,
		UpdateImage:   binary.LittleEndian.Uint32(b[8:12]),
		HasRollback:   flags&flagRollback != 0,
		RollbackImage: binary.LittleEndian.Uint32(b[12:16]),
	}
	return nil
}

func erased(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}
