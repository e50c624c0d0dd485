// Package pagetable builds the fixed, identity-mapped 4-level x86-64 page
// table structure that every ivee guest boots with: 515 4KiB pages mapping
// the first 1GiB of guest physical memory 1:1, placed just below the 4GiB
// boundary so it never collides with guest RAM.
package pagetable

import (
	"encoding/binary"

	"github.com/go-ivee/ivee/internal/hostmem"
)

const (
	pageSize = 0x1000

	// entryPresent and friends mirror the x86-64 paging-structure-entry bit
	// names, not full PTE semantics (no NX, no accessed/dirty tracking is
	// needed: the guest never takes a page fault against this mapping by
	// construction).
	entryPresent = 1 << 0
	entryWrite   = 1 << 1

	// entriesPerTable is the number of 8-byte entries in a single 4KiB
	// paging-structure page.
	entriesPerTable = pageSize / 8

	// pdCount is the number of page directories needed to cover 1GiB:
	// PD[0] alone, since one PD page maps 512 PTs * 512 entries * 4KiB =
	// 1GiB by itself.
	pdCount = 1

	// ptCount is the number of page-table pages needed to map 1GiB at 4KiB
	// granularity: 1GiB / 4KiB / 512-entries-per-table.
	ptCount = 512

	// TotalPages is the total page-table footprint: 1 PML4 + 1 PDPT +
	// pdCount PDs + ptCount PTs.
	TotalPages = 1 + 1 + pdCount + ptCount

	// MappedBytes is the amount of guest physical memory this table set
	// identity-maps (the first 1GiB).
	MappedBytes = uint64(ptCount) * entriesPerTable * pageSize
)

// BaseGPA returns the guest physical address the page table structure is
// placed at: immediately below the 4GiB boundary, so that the
// TotalPages*pageSize bytes of tables end exactly at 4GiB.
func BaseGPA() uint64 {
	return 0x100000000 - uint64(TotalPages)*pageSize
}

// Build allocates and fills TotalPages worth of host memory with the fixed
// identity-map structure, returning a host region ready to be inserted into
// a memmap.Map at BaseGPA(). The caller owns the returned region's first
// reference.
//
// Layout, each table exactly one 4KiB page unless noted:
//
//	PML4 @ BaseGPA()+0x0000
//	PDPT @ BaseGPA()+0x1000
//	PD   @ BaseGPA()+0x2000
//	PT[0..ptCount) @ BaseGPA()+0x3000, 0x4000, ...
//
// PML4[0]  -> PDPT,    flags PRESENT|WRITE
// PDPT[0]  -> PD,      flags PRESENT only (intentionally not writable)
// PD[i]    -> PT[i],   flags PRESENT|WRITE, for i in [0, ptCount)
// PT[i][j] -> 4KiB page (i*512+j), flags PRESENT|WRITE, for the full range
func Build() (*hostmem.Region, error) {
	region, err := hostmem.NewAnonymous(uint64(TotalPages) * pageSize)
	if err != nil {
		return nil, err
	}

	base := BaseGPA()
	data := region.Bytes()

	pml4Off := uint64(0)
	pdptOff := uint64(pageSize)
	pdOff := uint64(2 * pageSize)
	ptOff := uint64(3 * pageSize)

	pdptGPA := base + pdptOff
	pdGPA := base + pdOff

	putEntry(data, pml4Off, 0, pdptGPA|entryPresent|entryWrite)
	putEntry(data, pdptOff, 0, pdGPA|entryPresent)

	for i := 0; i < ptCount; i++ {
		ptGPA := base + ptOff + uint64(i)*pageSize
		putEntry(data, pdOff, i, ptGPA|entryPresent|entryWrite)

		ptTableOff := ptOff + uint64(i)*pageSize
		for j := 0; j < entriesPerTable; j++ {
			globalPage := uint64(i)*entriesPerTable + uint64(j)
			phys := globalPage * pageSize
			putEntry(data, ptTableOff, j, phys|entryPresent|entryWrite)
		}
	}

	return region, nil
}

func putEntry(data []byte, tableOff uint64, index int, value uint64) {
	off := tableOff + uint64(index)*8
	binary.LittleEndian.PutUint64(data[off:off+8], value)
}
