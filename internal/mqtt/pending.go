package mqtt

// pendingSlot is one tagged slot of the pending table.
type pendingSlot struct {
	used bool
	id   uint16
	op   *Operation
}

// pendingTable maps packet ids to operations awaiting an acknowledgement.
// It is owned by the agent goroutine and never touched from anywhere else.
type pendingTable struct {
	slots []pendingSlot
	n     int
}

func newPendingTable(capacity int) *pendingTable {
	return &pendingTable{slots: make([]pendingSlot, capacity)}
}

// insert parks op under id.
func (t *pendingTable) insert(id uint16, op *Operation) error {
	free := -1
	for i := range t.slots {
		s := &t.slots[i]
		if s.used {
			if s.id == id {
				return ErrDuplicatePacketID
			}
			continue
		}
		if free < 0 {
			free = i
		}
	}
	if free < 0 {
		return ErrPendingTableFull
	}
	t.slots[free] = pendingSlot{used: true, id: id, op: op}
	t.n++
	return nil
}

// take removes and returns the operation parked under id.
func (t *pendingTable) take(id uint16) (*Operation, bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.used && s.id == id {
			op := s.op
			*s = pendingSlot{}
			t.n--
			return op, true
		}
	}
	return nil, false
}

// drain removes every entry, calling fn for each.
func (t *pendingTable) drain(fn func(*Operation)) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.used {
			op := s.op
			*s = pendingSlot{}
			t.n--
			fn(op)
		}
	}
}

func (t *pendingTable) len() int { return t.n }
