// Copyright 2025 The uffdbounce Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bounce

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/memutil"
	"gvisor.dev/gvisor/pkg/sync"
)

// Each page carries its own lock and counter at the head of the page, so
// that touching either one first-touches the page itself:
//
//	offset 0:          32-bit lock word (0 unlocked, 1 held)
//	offset countOffset: 64-bit counter, the next 8-aligned slot strictly
//	                   after the lock word
//
// The counter is 8-aligned to avoid alignment faults on architectures
// that require it.
const (
	lockSize    = 4
	countOffset = (lockSize + 7) &^ 7
	countSize   = 8
)

// ErrLayout means the page layout makes verification structurally
// impossible: the lock and counter do not fit in a single page.
var ErrLayout = errors.New("page too small for per-page lock and counter")

// Areas owns the two bounce areas. One plays the source role and one the
// destination role; the roles swap after every bounce, the mappings never
// change. It also owns a one-page all-zero reference mapping, used only
// for read-only comparison.
type Areas struct {
	src  []byte
	dst  []byte
	zero []byte

	nrPages  uint64
	pageSize uint64
}

// NewAreas maps two anonymous areas of nrPages pages each, plus the zero
// reference page, and initializes every source page's counter to 1.
func NewAreas(nrPages uint64) (*Areas, error) {
	pageSize := uint64(hostarch.PageSize)
	if countOffset+countSize > pageSize {
		return nil, ErrLayout
	}
	if hostPageSize := uint64(unix.Getpagesize()); hostPageSize != pageSize {
		return nil, fmt.Errorf("host page size %d does not match build-time page size %d", hostPageSize, pageSize)
	}
	if nrPages == 0 {
		return nil, errors.New("area must have at least one page")
	}

	a := &Areas{nrPages: nrPages, pageSize: pageSize}
	cu := cleanup.Make(func() { a.Close() })
	defer cu.Clean()

	var err error
	size := uintptr(nrPages * pageSize)
	if a.src, err = mapAnon(size, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("mapping source area: %v", err)
	}
	if a.dst, err = mapAnon(size, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("mapping destination area: %v", err)
	}
	// The reference page is mapped read-only so it can never be mutated.
	if a.zero, err = mapAnon(uintptr(pageSize), unix.PROT_READ); err != nil {
		return nil, fmt.Errorf("mapping zero reference page: %v", err)
	}

	// Lock words start out zeroed (unlocked) by the anonymous mapping;
	// only the counters need explicit initialization. They are never
	// reset again: from here on they only grow, and they travel with the
	// page content through every migration.
	for nr := uint64(0); nr < nrPages; nr++ {
		a.count(a.src, nr).Store(1)
	}

	cu.Release()
	return a, nil
}

func mapAnon(size uintptr, prot int) ([]byte, error) {
	return memutil.MapSlice(0, size, uintptr(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, ^uintptr(0) /* no fd */, 0)
}

// Close unmaps both areas and the reference page.
func (a *Areas) Close() error {
	var firstErr error
	for _, m := range [][]byte{a.src, a.dst, a.zero} {
		if m == nil {
			continue
		}
		if err := memutil.UnmapSlice(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.src, a.dst, a.zero = nil, nil, nil
	return firstErr
}

// NrPages returns the number of pages per area.
func (a *Areas) NrPages() uint64 {
	return a.nrPages
}

// PageSize returns the page size in bytes.
func (a *Areas) PageSize() uint64 {
	return a.pageSize
}

// TotalBytes returns the byte length of one area.
func (a *Areas) TotalBytes() uint64 {
	return a.nrPages * a.pageSize
}

// Swap exchanges the source and destination roles. Swapping twice restores
// the original assignment.
func (a *Areas) Swap() {
	a.src, a.dst = a.dst, a.src
}

// DiscardSource drops the physical backing of the source area. Leftover
// backing pages would let a delayed UFFDIO_COPY succeed against stale
// content on the next bounce, so this must run after every background
// migrator has finished and before the next registration.
func (a *Areas) DiscardSource() error {
	if err := unix.Madvise(a.src, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("discarding source area: %v", err)
	}
	return nil
}

// DiscardDest drops the physical backing of the destination area. Run
// after registration: a racing UFFDIO_COPY from the previous bounce can
// leave populated zero pages behind, and khugepaged only respects the
// discard once the range is registered.
func (a *Areas) DiscardDest() error {
	if err := unix.Madvise(a.dst, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("discarding destination area: %v", err)
	}
	return nil
}

// DstPage returns the content of destination page nr, for read-only
// inspection.
func (a *Areas) DstPage(nr uint64) []byte {
	off := nr * a.pageSize
	return a.dst[off : off+a.pageSize]
}

// ZeroPage returns the all-zero reference page.
func (a *Areas) ZeroPage() []byte {
	return a.zero
}

// LockBytes returns the raw bytes of destination page nr's lock word, for
// corruption checks against the reference page.
func (a *Areas) LockBytes(nr uint64) []byte {
	off := nr * a.pageSize
	return a.dst[off : off+lockSize]
}

// LockPage acquires destination page nr's lock. The lock word lives inside
// the page, so the first acquisition after a discard faults the page in;
// that first touch is the point of the whole exercise.
func (a *Areas) LockPage(nr uint64) {
	l := a.lock(a.dst, nr)
	for !l.CompareAndSwap(0, 1) {
		sync.Goyield()
	}
}

// UnlockPage releases destination page nr's lock.
func (a *Areas) UnlockPage(nr uint64) {
	a.lock(a.dst, nr).Store(0)
}
