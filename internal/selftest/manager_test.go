package selftest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "selftest"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Broker Reachable", Description: "mqtt up"},
		LuaCode: `ota.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "broker_reachable" {
		t.Errorf("id = %q, want broker_reachable", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Broker Reachable" || got.Meta.Description != "mqtt up" {
		t.Errorf("meta = %+v", got.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `ota.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerPlainLuaFile(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(m.dir, "plain.lua")
	if err := os.WriteFile(path, []byte("ota.log('x')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "plain" || got.Meta.Disabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.LuaCode != "ota.log('x')\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Errorf("duplicate id %q", s1.ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); err == nil {
		t.Error("expected error after delete")
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", ".", "..", "../etc", "a/b", `a\b`} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v", id, err)
		}
		if err := m.Delete(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Delete(%q) err = %v", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../x"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Save(../x) err = %v", err)
	}
}
