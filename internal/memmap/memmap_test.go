package memmap

import (
	"testing"

	"github.com/go-ivee/ivee/internal/hostmem"
)

func mustRegion(t *testing.T, length uint64) *hostmem.Region {
	t.Helper()
	r, err := hostmem.NewAnonymous(length)
	if err != nil {
		t.Fatalf("hostmem.NewAnonymous: %v", err)
	}
	return r
}

func TestInsertAndRegions(t *testing.T) {
	m := New()
	defer m.Close()

	host := mustRegion(t, pageSize)
	region, err := m.Insert(0x1000, pageSize, host, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if region.GPA() != 0x1000 {
		t.Fatalf("GPA() = 0x%x, want 0x1000", region.GPA())
	}
	if region.Length() != pageSize {
		t.Fatalf("Length() = %d, want %d", region.Length(), pageSize)
	}

	regions := m.Regions()
	if len(regions) != 1 || regions[0] != region {
		t.Fatalf("Regions() = %v, want [%v]", regions, region)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	m := New()
	defer m.Close()

	if _, err := m.Insert(0, 2*pageSize, mustRegion(t, 2*pageSize), ProtRead); err != nil {
		t.Fatalf("first Insert: %v", err)
	}

	if _, err := m.Insert(pageSize, pageSize, mustRegion(t, pageSize), ProtRead); err == nil {
		t.Fatalf("expected an overlap error")
	}
}

func TestInsertRejectsZeroLength(t *testing.T) {
	m := New()
	defer m.Close()

	if _, err := m.Insert(0, 0, mustRegion(t, pageSize), ProtRead); err == nil {
		t.Fatalf("expected an error for a zero-length region")
	}
}

func TestInsertRejectsAddressSpaceOverflow(t *testing.T) {
	m := New()
	defer m.Close()

	if _, err := m.Insert(LastGPA-10, pageSize, mustRegion(t, pageSize), ProtRead); err == nil {
		t.Fatalf("expected an overflow error")
	}
}

func TestRemoveReleasesHostReference(t *testing.T) {
	m := New()

	host := mustRegion(t, pageSize)
	region, err := m.Insert(0, pageSize, host, ProtRead)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := m.Remove(region); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if regions := m.Regions(); len(regions) != 0 {
		t.Fatalf("Regions() after Remove = %v, want none", regions)
	}

	// A second Remove of the same (now-absent) region must be tolerated.
	if err := m.Remove(region); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestCloseReleasesAllRegions(t *testing.T) {
	m := New()

	if _, err := m.Insert(0, pageSize, mustRegion(t, pageSize), ProtRead); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := m.Insert(pageSize, pageSize, mustRegion(t, pageSize), ProtRead); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if regions := m.Regions(); len(regions) != 0 {
		t.Fatalf("Regions() after Close = %v, want none", regions)
	}
}
