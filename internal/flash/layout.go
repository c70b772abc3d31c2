package flash

import "fmt"

// Slot identifies one of the image slots.
type Slot int

const (
	SlotExecute Slot = iota
	SlotUpdate
	SlotBackup
)

func (s Slot) String() string {
	switch s {
	case SlotExecute:
		return "execute"
	case SlotUpdate:
		return "update"
	case SlotBackup:
		return "backup"
	default:
		return fmt.Sprintf("slot(%d)", int(s))
	}
}

// Layout describes where the image slots and the boot control record live
// on the device. All slots share the same size.
//
// Great care must be taken when changing a layout that the bootloader
// already relies on.
type Layout struct {
	SlotSize   int64
	ExecAddr   int64
	UpdateAddr int64
	BackupAddr int64
	UCBAddr    int64
	UCBSize    int64
}

// DefaultLayout mirrors the LPC54018 SPIFI map: three consecutive 2 MiB slots
// followed by the boot control record in its own 4 KiB sector.
func DefaultLayout() Layout {
	const slot = 0x200000
	return Layout{
		SlotSize:   slot,
		ExecAddr:   0,
		UpdateAddr: 1 * slot,
		BackupAddr: 2 * slot,
		UCBAddr:    3 * slot,
		UCBSize:    0x1000,
	}
}

// Addr returns the base address of s.
func (l Layout) Addr(s Slot) int64 {
	switch s {
	case SlotUpdate:
		return l.UpdateAddr
	case SlotBackup:
		return l.BackupAddr
	default:
		return l.ExecAddr
	}
}

// SlotAt returns the slot whose base address is addr.
func (l Layout) SlotAt(addr int64) (Slot, bool) {
	for _, s := range []Slot{SlotExecute, SlotUpdate, SlotBackup} {
		if l.Addr(s) == addr {
			return s, true
		}
	}
	return 0, false
}

// Validate checks that the layout is self-consistent and fits on a device of
// devSize bytes.
func (l Layout) Validate(devSize int64) error {
	if l.SlotSize <= 0 {
		return fmt.Errorf("invalid layout: slot size %d", l.SlotSize)
	}
	if l.UCBSize <= 0 {
		return fmt.Errorf("invalid layout: ucb size %d", l.UCBSize)
	}
	type region struct {
		name       string
		start, end int64
	}
	regions := []region{
		{"execute", l.ExecAddr, l.ExecAddr + l.SlotSize},
		{"update", l.UpdateAddr, l.UpdateAddr + l.SlotSize},
		{"backup", l.BackupAddr, l.BackupAddr + l.SlotSize},
		{"ucb", l.UCBAddr, l.UCBAddr + l.UCBSize},
	}
	for i, a := range regions {
		if a.start < 0 {
			return fmt.Errorf("invalid layout: %s starts at negative address", a.name)
		}
		if devSize > 0 && a.end > devSize {
			return fmt.Errorf("invalid layout: %s region [0x%X, 0x%X) exceeds device size 0x%X", a.name, a.start, a.end, devSize)
		}
		for _, b := range regions[i+1:] {
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("invalid layout: %s overlaps %s", a.name, b.name)
			}
		}
	}
	return nil
}

// End returns the first address past the last region.
func (l Layout) End() int64 {
	end := l.UCBAddr + l.UCBSize
	for _, s := range []Slot{SlotExecute, SlotUpdate, SlotBackup} {
		if e := l.Addr(s) + l.SlotSize; e > end {
			end = e
		}
	}
	return end
}
