package idmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	m := New()
	m.Register("int-1", "BRK-100")

	got, ok := m.BrokerID("int-1")
	if !ok || got != "BRK-100" {
		t.Errorf("expected BRK-100, got %q ok=%v", got, ok)
	}
}

func TestLookup_UnknownID(t *testing.T) {
	m := New()
	if _, ok := m.BrokerID("int-missing"); ok {
		t.Error("unknown internal id must not resolve")
	}
}

func TestRegister_RetryOverwrites(t *testing.T) {
	m := New()
	m.Register("int-1", "BRK-100")
	m.Register("int-1", "BRK-100") // idempotent resubmit, same broker id

	got, _ := m.BrokerID("int-1")
	if got != "BRK-100" {
		t.Errorf("expected BRK-100 after re-register, got %q", got)
	}
	if m.Len() != 1 {
		t.Errorf("re-register duplicated entry: len=%d", m.Len())
	}
}

func TestDeregister(t *testing.T) {
	m := New()
	m.Register("int-1", "BRK-100")
	m.Deregister("int-1")

	if _, ok := m.BrokerID("int-1"); ok {
		t.Error("deregistered id still resolves")
	}
	// Deregistering again is a no-op.
	m.Deregister("int-1")
	if m.Len() != 0 {
		t.Errorf("expected empty map, len=%d", m.Len())
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	m := New()
	m.Register("int-1", "BRK-1")
	m.Register("int-2", "BRK-2")

	snap := m.Snapshot()
	// Mutating the snapshot must not touch the live map.
	snap["int-3"] = "BRK-3"
	if m.Len() != 2 {
		t.Errorf("snapshot aliases live map: len=%d", m.Len())
	}

	restored := New()
	restored.Restore(map[string]string{"int-1": "BRK-1", "int-2": "BRK-2"})
	if got, _ := restored.BrokerID("int-2"); got != "BRK-2" {
		t.Errorf("restore lost mapping: %q", got)
	}
	if restored.Len() != 2 {
		t.Errorf("expected 2 restored mappings, got %d", restored.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("int-%d", i)
			m.Register(id, fmt.Sprintf("BRK-%d", i))
			m.BrokerID(id)
			m.Len()
		}(i)
	}
	wg.Wait()
	if m.Len() != 16 {
		t.Errorf("expected 16 mappings, got %d", m.Len())
	}
}
