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
	"bytes"
	"testing"

	"gvisor.dev/gvisor/pkg/hostarch"
)

func newAreas(t *testing.T, nrPages uint64) *Areas {
	t.Helper()
	a, err := NewAreas(nrPages)
	if err != nil {
		t.Fatalf("NewAreas(%d) failed: %v", nrPages, err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPageLayout(t *testing.T) {
	if countOffset%8 != 0 {
		t.Errorf("counter offset %d is not 8-aligned", countOffset)
	}
	if countOffset < lockSize {
		t.Errorf("counter offset %d overlaps the %d-byte lock word", countOffset, lockSize)
	}
	if countOffset+countSize > hostarch.PageSize {
		t.Errorf("lock and counter (%d bytes) do not fit a %d-byte page", countOffset+countSize, hostarch.PageSize)
	}
}

func TestNewAreasRejectsZeroPages(t *testing.T) {
	if a, err := NewAreas(0); err == nil {
		a.Close()
		t.Fatal("NewAreas(0) succeeded, want error")
	}
}

func TestCounterPlacement(t *testing.T) {
	a := newAreas(t, 2)

	for nr := uint64(0); nr < a.NrPages(); nr++ {
		off := nr * a.PageSize()
		page := a.src[off : off+a.PageSize()]
		if got := hostarch.ByteOrder.Uint64(page[countOffset:]); got != 1 {
			t.Errorf("source page %d: counter bytes read back %d, want 1", nr, got)
		}
		if !bytes.Equal(page[:lockSize], make([]byte, lockSize)) {
			t.Errorf("source page %d: lock word not zeroed: %v", nr, page[:lockSize])
		}
		// The destination starts unpopulated, so its counters must read 0.
		if got := a.DstCount(nr).Load(); got != 0 {
			t.Errorf("destination page %d: counter %d, want 0", nr, got)
		}
	}
}

func TestSwapRoundTrip(t *testing.T) {
	a := newAreas(t, 1)

	src, dst := a.SrcBase(), a.DstBase()
	if src == dst {
		t.Fatalf("areas share base address %#x", src)
	}
	a.Swap()
	if a.SrcBase() != dst || a.DstBase() != src {
		t.Errorf("Swap did not exchange roles: src %#x, dst %#x", a.SrcBase(), a.DstBase())
	}
	a.Swap()
	if a.SrcBase() != src || a.DstBase() != dst {
		t.Errorf("double Swap did not restore roles: src %#x, dst %#x", a.SrcBase(), a.DstBase())
	}
}

func TestDiscardYieldsZeros(t *testing.T) {
	a := newAreas(t, 1)

	for i := range a.dst {
		a.dst[i] = 0xcc
	}
	if err := a.DiscardDest(); err != nil {
		t.Fatalf("DiscardDest failed: %v", err)
	}
	if !pageIsZero(a.DstPage(0)) {
		t.Error("destination page not zero after discard")
	}

	a.src[0] = 0xcc
	if err := a.DiscardSource(); err != nil {
		t.Fatalf("DiscardSource failed: %v", err)
	}
	if a.src[0] != 0 {
		t.Errorf("source byte %#x after discard, want 0", a.src[0])
	}
}

func TestLockPage(t *testing.T) {
	a := newAreas(t, 2)

	zeroLock := a.ZeroPage()[:lockSize]
	a.LockPage(0)
	if bytes.Equal(a.LockBytes(0), zeroLock) {
		t.Error("lock word still zero while held")
	}
	if !bytes.Equal(a.LockBytes(1), zeroLock) {
		t.Error("locking page 0 disturbed page 1's lock word")
	}
	a.UnlockPage(0)
	if !bytes.Equal(a.LockBytes(0), zeroLock) {
		t.Errorf("lock word not zero after release: %v", a.LockBytes(0))
	}
}

func TestLockPageExcludes(t *testing.T) {
	a := newAreas(t, 1)

	// A non-atomic counter stays consistent only if the lock excludes.
	const loops = 1000
	var n uint64
	done := make(chan struct{})
	worker := func() {
		for i := 0; i < loops; i++ {
			a.LockPage(0)
			n++
			a.UnlockPage(0)
		}
		done <- struct{}{}
	}
	go worker()
	go worker()
	<-done
	<-done

	if n != 2*loops {
		t.Errorf("counter %d after two workers, want %d", n, 2*loops)
	}
}
