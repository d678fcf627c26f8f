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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/uffdbounce/uffdbounce/pkg/uffd"
)

func TestConfigValidate(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", Config{Workers: 2, PagesPerWorker: 4, Bounces: 1}, true},
		{"zero workers", Config{Workers: 0, PagesPerWorker: 4, Bounces: 1}, false},
		{"negative workers", Config{Workers: -1, PagesPerWorker: 4, Bounces: 1}, false},
		{"zero pages per worker", Config{Workers: 2, PagesPerWorker: 0, Bounces: 1}, false},
		{"zero bounces", Config{Workers: 2, PagesPerWorker: 4, Bounces: 0}, false},
		{"negative bounces", Config{Workers: 2, PagesPerWorker: 4, Bounces: -5}, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.validate()
			if test.ok && err != nil {
				t.Errorf("validate failed: %v", err)
			}
			if !test.ok && err == nil {
				t.Error("validate succeeded, want error")
			}
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	// Config validation runs before any resource allocation, so this must
	// fail the same way whether or not userfaultfd is available.
	if h, err := New(Config{Workers: 0, PagesPerWorker: 1, Bounces: 1}); err == nil {
		h.Close()
		t.Fatal("New with zero workers succeeded, want error")
	}
}

func TestModeString(t *testing.T) {
	for _, test := range []struct {
		mode Mode
		want string
	}{
		{0, " none"},
		{ModeRandom, " rnd"},
		{ModeRacing, " racing"},
		{ModeVerify | ModePoll, " ver poll"},
		{ModeRandom | ModeRacing | ModeVerify | ModePoll, " rnd racing ver poll"},
	} {
		if got := test.mode.String(); got != test.want {
			t.Errorf("Mode(%#x).String() = %q, want %q", int(test.mode), got, test.want)
		}
	}
}

func TestPageIsZero(t *testing.T) {
	p := make([]byte, hostarch.PageSize)
	if !pageIsZero(p) {
		t.Error("zero page reported as nonzero")
	}
	p[len(p)-1] = 1
	if pageIsZero(p) {
		t.Error("page with nonzero last byte reported as zero")
	}
	p[len(p)-1] = 0
	p[0] = 1
	if pageIsZero(p) {
		t.Error("page with nonzero first byte reported as zero")
	}
}

func TestHandleEventRejects(t *testing.T) {
	bc := &bounceContext{}

	// A non-pagefault event is a protocol violation regardless of mode.
	m := uffd.Msg{Event: 0x13}
	if _, err := bc.handleEvent(&m, false); err == nil || !strings.Contains(err.Error(), "unexpected event") {
		t.Errorf("non-pagefault event: got %v, want unexpected event error", err)
	}

	// A write fault must be rejected before any copy is attempted.
	m = uffd.Msg{Event: uffd.EventPagefault}
	hostarch.ByteOrder.PutUint64(m.Arg[0:8], uffd.PagefaultFlagWrite)
	if _, err := bc.handleEvent(&m, true); err == nil || !strings.Contains(err.Error(), "write fault") {
		t.Errorf("write fault: got %v, want write fault error", err)
	}
}

// TestVerifierConsistency runs verifiers over pre-populated areas, with no
// fault servicing involved, and checks that the in-page counters and the
// verification table never diverge.
func TestVerifierConsistency(t *testing.T) {
	for _, test := range []struct {
		name string
		mode Mode
	}{
		{"sequential", ModeVerify},
		{"random", ModeRandom | ModeVerify},
		{"racing", ModeRandom | ModeRacing | ModeVerify},
	} {
		t.Run(test.name, func(t *testing.T) {
			const nrPages = 8
			a := newAreas(t, nrPages)
			copy(a.dst, a.src)

			bc := &bounceContext{
				mode:           test.mode,
				bounce:         3,
				areas:          a,
				table:          NewTable(nrPages),
				pagesPerWorker: nrPages / 2,
			}

			var g errgroup.Group
			for w := 0; w < 2; w++ {
				w := w
				g.Go(func() error { return bc.verify(w) })
			}
			time.Sleep(100 * time.Millisecond)
			bc.finished.Store(true)
			if err := g.Wait(); err != nil {
				t.Fatalf("verifier failed: %v", err)
			}

			got := make([]uint64, nrPages)
			for nr := uint64(0); nr < nrPages; nr++ {
				got[nr] = a.DstCount(nr).Load()
			}
			if diff := cmp.Diff(bc.table.Snapshot(), got); diff != "" {
				t.Errorf("counters diverge from table (-want +got):\n%s", diff)
			}
		})
	}
}

// TestVerifierCorruptionDetected plants a counter mismatch and checks the
// verifier reports it instead of looping forever.
func TestVerifierCorruptionDetected(t *testing.T) {
	const nrPages = 4
	a := newAreas(t, nrPages)
	copy(a.dst, a.src)

	table := NewTable(nrPages)
	table.Set(2, 7)

	bc := &bounceContext{
		areas:          a,
		table:          table,
		pagesPerWorker: nrPages,
	}
	err := bc.verify(0)
	if err == nil || !strings.Contains(err.Error(), "memory corruption") {
		t.Fatalf("verifier over corrupted page: got %v, want memory corruption error", err)
	}
}

func openUffdOrSkip(t *testing.T) *uffd.FD {
	t.Helper()
	fd, err := uffd.Open()
	if err != nil {
		t.Skipf("userfaultfd unavailable: %v", err)
	}
	t.Cleanup(func() { fd.Close() })
	return fd
}

// TestReleaseStalledUnblocksFaulters covers the abort path: workers
// blocked in a page fault with nobody left to service it must be
// released by the zero-fill sweep, so an aborting bounce can still join
// everything.
func TestReleaseStalledUnblocksFaulters(t *testing.T) {
	fd := openUffdOrSkip(t)

	const nrPages = 2
	a := newAreas(t, nrPages)
	if _, err := fd.Register(a.DstBase(), a.TotalBytes()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer fd.Unregister(a.DstBase(), a.TotalBytes())

	// One reader per page faults a missing destination page and stays
	// blocked: no servicer is running and no migration ever happens.
	got := make(chan byte, nrPages)
	for nr := uint64(0); nr < nrPages; nr++ {
		nr := nr
		go func() {
			got <- a.DstPage(nr)[0]
		}()
	}
	// Let the readers reach their faults before sweeping.
	time.Sleep(50 * time.Millisecond)

	bc := &bounceContext{areas: a, fd: fd}
	bc.releaseStalled()

	for i := 0; i < nrPages; i++ {
		select {
		case b := <-got:
			if b != 0 {
				t.Errorf("released page read %#x, want 0", b)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("faulting reader still blocked after the release sweep")
		}
	}
}

// TestDiscardedSourceCopiesZeros checks that a copy after a source
// discard carries the fresh zero-filled content, never stale bytes.
func TestDiscardedSourceCopiesZeros(t *testing.T) {
	fd := openUffdOrSkip(t)

	a := newAreas(t, 1)
	a.src[countOffset+countSize] = 0xcc
	if err := a.DiscardSource(); err != nil {
		t.Fatalf("DiscardSource failed: %v", err)
	}
	if _, err := fd.Register(a.DstBase(), a.TotalBytes()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer fd.Unregister(a.DstBase(), a.TotalBytes())

	bc := &bounceContext{areas: a, fd: fd}
	transferred, err := bc.copyPage(0)
	if err != nil {
		t.Fatalf("copy after discard failed: %v", err)
	}
	if !transferred {
		t.Fatal("copy after discard reported already present, want a transfer")
	}
	if !pageIsZero(a.DstPage(0)) {
		t.Error("copied page carries stale bytes, want the discarded source's zeros")
	}
}

func newHarnessOrSkip(t *testing.T, cfg Config) *Harness {
	t.Helper()
	h, err := New(cfg)
	if err != nil {
		t.Skipf("harness unavailable: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestRunVerifiedBounces(t *testing.T) {
	h := newHarnessOrSkip(t, Config{
		Workers:        1,
		PagesPerWorker: 1,
		Bounces:        8,
		ForceMode:      true,
		Mode:           ModeVerify,
	})
	if err := h.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Every verified bounce ends with the table matching the in-page
	// counter, and with a single hot page the verifiers must have advanced
	// it at least once across eight bounces.
	want := h.table.At(0)
	if want < 2 {
		t.Errorf("page 0 count %d after 8 verified bounces, want at least 2", want)
	}
	// Run swaps the roles after the last bounce, so the verified counters
	// now sit on the source side.
	if got := h.areas.count(h.areas.src, 0).Load(); got != want {
		t.Errorf("page 0 count %d, table expects %d", got, want)
	}
}

func TestRunRacingPollBounces(t *testing.T) {
	h := newHarnessOrSkip(t, Config{
		Workers:        2,
		PagesPerWorker: 2,
		Bounces:        1,
		ForceMode:      true,
		Mode:           ModeRandom | ModeRacing | ModeVerify | ModePoll,
	})
	// Three separate runs over the same areas and table. Each one must
	// validate cleanly, and no page's expected count may ever move
	// backwards. A strict per-page increase is not guaranteed: a short
	// bounce may end before the racing verifiers reach every page.
	prev := h.table.Snapshot()
	for run := 0; run < 3; run++ {
		if err := h.Run(); err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		cur := h.table.Snapshot()
		for nr := range cur {
			if cur[nr] < prev[nr] {
				t.Errorf("run %d: page %d count moved backwards: %d -> %d", run, nr, prev[nr], cur[nr])
			}
		}
		prev = cur
	}
}

func TestRunAllModes(t *testing.T) {
	h := newHarnessOrSkip(t, Config{
		Workers:        2,
		PagesPerWorker: 2,
		Bounces:        16, // countdown covers every flag combination
	})
	if err := h.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for nr, count := range h.table.Snapshot() {
		if count < 1 {
			t.Errorf("page %d: count %d after run, want at least 1", nr, count)
		}
	}
}
