package mqtt

import (
	"errors"
	"testing"
)

func TestPendingTable(t *testing.T) {
	tbl := newPendingTable(3)
	ops := []*Operation{
		NewSubscribe(nil, nil),
		NewSubscribe(nil, nil),
		NewSubscribe(nil, nil),
	}
	for i, op := range ops {
		if err := tbl.insert(uint16(i+10), op); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := tbl.insert(99, NewSubscribe(nil, nil)); !errors.Is(err, ErrPendingTableFull) {
		t.Errorf("insert into full table: err = %v", err)
	}

	got, ok := tbl.take(11)
	if !ok || got != ops[1] {
		t.Fatalf("take(11) = %v, %v", got, ok)
	}
	if _, ok := tbl.take(11); ok {
		t.Error("take(11) twice should miss")
	}
	if err := tbl.insert(10, NewSubscribe(nil, nil)); !errors.Is(err, ErrDuplicatePacketID) {
		t.Errorf("duplicate id: err = %v", err)
	}
	if err := tbl.insert(11, ops[1]); err != nil {
		t.Errorf("reuse freed slot: %v", err)
	}
	if tbl.len() != 3 {
		t.Errorf("len = %d, want 3", tbl.len())
	}

	var drained int
	tbl.drain(func(*Operation) { drained++ })
	if drained != 3 || tbl.len() != 0 {
		t.Errorf("drained %d, len %d", drained, tbl.len())
	}
}
