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

// Package bounce implements a stress-and-verification harness for
// userfaultfd-driven memory population.
//
// The harness holds two equally sized anonymous areas and repeatedly
// "bounces" the content of one into the other. Per worker and per bounce,
// three tasks race over the destination area: a verifier taking per-page
// locks and incrementing per-page counters, a fault servicer resolving the
// faults the verifier triggers, and a background migrator copying its
// share of the pages eagerly. A bounce succeeds if every page was migrated
// exactly once, no content was lost or zeroed, and every counter agrees
// with the verification table.
package bounce

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/uffdbounce/uffdbounce/pkg/uffd"
)

// Mode is a set of per-bounce behavior flags. Unless Config.ForceMode is
// set, the flags for a bounce are the low bits of the remaining-bounce
// counter, so a long run interleaves all sixteen combinations.
type Mode int

// Mode flags.
const (
	// ModeRandom selects verifier pages pseudorandomly instead of
	// sequentially.
	ModeRandom Mode = 1 << iota

	// ModeRacing makes all verifiers probe the same page sequence to
	// maximize lock contention.
	ModeRacing

	// ModeVerify enables content and counter verification.
	ModeVerify

	// ModePoll delivers faults to poll-multiplexed servicers instead of
	// blocking readers.
	ModePoll
)

const modeMask = ModeRandom | ModeRacing | ModeVerify | ModePoll

func (m Mode) String() string {
	var b strings.Builder
	if m&ModeRandom != 0 {
		b.WriteString(" rnd")
	}
	if m&ModeRacing != 0 {
		b.WriteString(" racing")
	}
	if m&ModeVerify != 0 {
		b.WriteString(" ver")
	}
	if m&ModePoll != 0 {
		b.WriteString(" poll")
	}
	if b.Len() == 0 {
		return " none"
	}
	return b.String()
}

// requiredIoctls are the range operations the harness depends on; a
// kernel that registers the area without all of them cannot run the
// workload at all.
const requiredIoctls = uffd.IoctlWake | uffd.IoctlCopy | uffd.IoctlZeropage

// Config configures a Harness.
type Config struct {
	// Workers is the number of worker triples (verifier, fault servicer,
	// background migrator), normally the CPU count.
	Workers int

	// PagesPerWorker is each background migrator's share of the area.
	// The area holds Workers*PagesPerWorker pages.
	PagesPerWorker uint64

	// Bounces is the number of migration passes to run.
	Bounces int

	// ForceMode pins every bounce to Mode instead of deriving the flags
	// from the remaining-bounce counter.
	ForceMode bool
	Mode      Mode
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("invalid worker count %d", c.Workers)
	}
	if c.PagesPerWorker == 0 {
		return fmt.Errorf("area too small: need at least one page per worker")
	}
	if c.Bounces <= 0 {
		return fmt.Errorf("invalid bounce count %d", c.Bounces)
	}
	return nil
}

// nrPages returns the page count of one area.
func (c *Config) nrPages() uint64 {
	return uint64(c.Workers) * c.PagesPerWorker
}

// Harness owns the areas, the verification table, the fault channel and
// the per-worker cancellation pipes for the lifetime of a run. All of the
// allocations happen once; only content and roles rotate across bounces.
type Harness struct {
	cfg   Config
	fd    *uffd.FD
	areas *Areas
	table *Table

	// pipes[w] is worker w's poll-mode cancellation channel: a write of
	// one sentinel byte to pipes[w][1] tells the worker's poll servicer
	// to drain pipes[w][0] and exit.
	pipes [][2]int
}

// New builds a Harness. Any failure here is a setup failure: nothing has
// started and nothing needs tearing down.
func New(cfg Config) (*Harness, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fd, err := uffd.Open()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { fd.Close() })
	defer cu.Clean()

	areas, err := NewAreas(cfg.nrPages())
	if err != nil {
		return nil, err
	}
	cu.Add(func() { areas.Close() })

	h := &Harness{
		cfg:   cfg,
		fd:    fd,
		areas: areas,
		table: NewTable(cfg.nrPages()),
		pipes: make([][2]int, cfg.Workers),
	}
	for w := range h.pipes {
		if err := unix.Pipe2(h.pipes[w][:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
			return nil, fmt.Errorf("creating cancellation pipe: %v", err)
		}
		p := h.pipes[w]
		cu.Add(func() {
			unix.Close(p[0])
			unix.Close(p[1])
		})
	}

	cu.Release()
	return h, nil
}

// Close releases the harness's descriptors and mappings.
func (h *Harness) Close() error {
	for _, p := range h.pipes {
		unix.Close(p[0])
		unix.Close(p[1])
	}
	h.pipes = nil
	err := h.fd.Close()
	if aerr := h.areas.Close(); err == nil {
		err = aerr
	}
	return err
}

// bounceContext carries everything a worker needs for one bounce. It is
// built fresh per bounce and read-only to workers after spawn, except for
// the finished flag and each worker's own faults slot.
type bounceContext struct {
	mode   Mode
	bounce int

	areas *Areas
	table *Table
	fd    *uffd.FD

	pagesPerWorker uint64

	// finished tells verifiers to stop. Eventual visibility is enough;
	// there is no bound on how quickly a verifier notices.
	finished atomicbitops.Bool

	// faults[w] is the number of pages worker w's servicer actually
	// transferred. Progress reporting only; each worker writes only its
	// own slot.
	faults []uint64
}

// Run executes the configured number of bounces and returns the first
// fatal error. A failed end-of-bounce validation stops the remaining
// bounces but finishes the current one's teardown cleanly.
func (h *Harness) Run() error {
	var validationErr error

	for remaining := h.cfg.Bounces; remaining > 0 && validationErr == nil; {
		remaining--
		mode := Mode(remaining) & modeMask
		if h.cfg.ForceMode {
			mode = h.cfg.Mode & modeMask
		}
		log.Infof("bounces: %d, mode:%s", remaining, mode)

		caps, err := h.fd.Register(h.areas.DstBase(), h.areas.TotalBytes())
		if err != nil {
			return err
		}
		if !caps.Supports(requiredIoctls) {
			return fmt.Errorf("missing ioctls for anonymous memory: got %#x, need %#x", caps, requiredIoctls)
		}

		// The source discard at the end of the previous bounce is not
		// enough: a fault servicer that lost a copy race back then may
		// have re-populated zero pages in what is now the destination.
		// Those leftovers would turn legitimate faults into silent
		// -EEXIST copies, leaving zero pages behind.
		if err := h.areas.DiscardDest(); err != nil {
			return err
		}

		bc := &bounceContext{
			mode:           mode,
			bounce:         remaining,
			areas:          h.areas,
			table:          h.table,
			fd:             h.fd,
			pagesPerWorker: h.cfg.PagesPerWorker,
			faults:         make([]uint64, h.cfg.Workers),
		}
		stressErr := h.stress(bc)

		if err := h.fd.Unregister(h.areas.DstBase(), h.areas.TotalBytes()); err != nil {
			if stressErr == nil {
				stressErr = err
			}
		}
		if stressErr != nil {
			return stressErr
		}

		if mode&ModeVerify != 0 {
			if err := h.validate(); err != nil {
				// Stop bouncing, but record rather than abort: the
				// diagnostics above already name the damaged pages.
				validationErr = err
			}
		}

		h.areas.Swap()
		log.Infof("userfaults: %v", bc.faults)
	}

	return validationErr
}

// stress runs one bounce's worker set through its ordered lifecycle:
// spawn all triples, join the migrators, discard the source, cancel and
// join the servicers, stop and join the verifiers.
func (h *Harness) stress(bc *bounceContext) error {
	var migrators, servicers, verifiers errgroup.Group

	for w := 0; w < h.cfg.Workers; w++ {
		w := w
		verifiers.Go(func() error { return bc.verify(w) })
		if bc.mode&ModePoll != 0 {
			cancelFD := h.pipes[w][0]
			servicers.Go(func() error { return bc.servicePoll(w, cancelFD) })
		} else {
			// The readiness handshake guarantees the worker's state is
			// initialized before it becomes eligible for cancellation.
			ready := make(chan struct{})
			servicers.Go(func() error { return bc.serviceRead(w, ready) })
			<-ready
		}
		migrators.Go(func() error { return bc.migrate(w) })
	}

	// Once every migrator is done the whole area has been transferred,
	// and the source backing must go before anything else happens: a
	// still-running servicer may be mid-UFFDIO_COPY against it, and such
	// a copy must read zeroes, not stale content. It is guaranteed to
	// get "already present" and write nothing.
	migErr := migrators.Wait()
	if migErr == nil {
		migErr = h.areas.DiscardSource()
	}
	if migErr != nil {
		// Aborting with unpopulated pages around: resolve them so no
		// verifier stays blocked in a fault forever.
		bc.releaseStalled()
	}

	// Cancellation, by policy: poll servicers get a sentinel byte on
	// their private pipe and leave at their next poll; blocking readers
	// get the read deadline expired under them, which can only take
	// effect at the blocking read itself.
	if bc.mode&ModePoll != 0 {
		sentinel := []byte{0}
		for _, p := range h.pipes {
			if _, err := unix.Write(p[1], sentinel); err != nil && migErr == nil {
				migErr = fmt.Errorf("writing cancellation sentinel: %v", err)
			}
		}
	} else {
		h.fd.Interrupt()
	}
	srvErr := servicers.Wait()
	if bc.mode&ModePoll == 0 {
		h.fd.ClearInterrupt()
	}
	if srvErr != nil && migErr == nil {
		bc.releaseStalled()
	}

	bc.finished.Store(true)
	verErr := verifiers.Wait()

	for _, err := range []error{migErr, srvErr, verErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// copyPage resolves the destination page at byte offset off from the same
// offset of the source area. Returns whether this call transferred the
// page, as opposed to losing the race to another copier.
func (bc *bounceContext) copyPage(off uint64) (bool, error) {
	if off >= bc.areas.TotalBytes() {
		return false, fmt.Errorf("unexpected page offset %#x", off)
	}
	return bc.fd.Copy(bc.areas.DstBase()+uintptr(off), bc.areas.SrcBase()+uintptr(off), bc.areas.PageSize())
}

// releaseStalled zero-fills every still-missing destination page. Only
// used when a bounce is aborting: content no longer matters, but a worker
// blocked in a page fault must be released before it can observe the
// abort.
func (bc *bounceContext) releaseStalled() {
	pageSize := bc.areas.PageSize()
	for nr := uint64(0); nr < bc.areas.NrPages(); nr++ {
		// Best effort; "already present" and anything else alike.
		bc.fd.Zeropage(bc.areas.DstBase()+uintptr(nr*pageSize), pageSize)
	}
}

// validate checks, with all workers quiesced, that no page's lock region
// was corrupted across the bounce and that every counter matches the
// verification table.
func (h *Harness) validate() error {
	bad := 0
	ref := h.areas.ZeroPage()[:lockSize]
	for nr := uint64(0); nr < h.areas.NrPages(); nr++ {
		if !bytes.Equal(h.areas.LockBytes(nr), ref) {
			log.Warningf("page %d: lock region corrupted: %v", nr, h.areas.LockBytes(nr))
			bad++
		}
		if count, want := h.areas.DstCount(nr).Load(), h.table.At(nr); count != want {
			log.Warningf("page %d: count %d, expected %d", nr, count, want)
			bad++
		}
	}
	if bad != 0 {
		return fmt.Errorf("bounce validation failed on %d of %d pages", bad, h.areas.NrPages())
	}
	return nil
}
