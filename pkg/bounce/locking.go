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
	"fmt"
	"math/rand"
	"time"

	"gvisor.dev/gvisor/pkg/log"
)

// verify is the locking verifier: until the bounce finishes, it picks a
// destination page, optionally sanity-checks its content, then locks it
// and advances its counter in lockstep with the verification table. The
// lock acquisition itself is what triggers the page faults under test.
func (bc *bounceContext) verify(worker int) error {
	nrPages := bc.areas.NrPages()

	var rng *rand.Rand
	var pageNr uint64
	if bc.mode&ModeRandom != 0 {
		// In racing mode every worker gets the same seed, so all probe
		// sequences fully overlap and contention is maximized.
		seed := time.Now().Unix() - int64(bc.bounce)
		if bc.mode&ModeRacing == 0 {
			seed += int64(worker)
		}
		rng = rand.New(rand.NewSource(seed))
	} else {
		pageNr = uint64(-int64(bc.bounce))
		if bc.mode&ModeRacing == 0 {
			pageNr += uint64(worker) * bc.pagesPerWorker
		}
	}

	for !bc.finished.Load() {
		if rng != nil {
			pageNr = rng.Uint64()
		} else {
			pageNr++
		}
		pageNr %= nrPages

		start := time.Now()
		if bc.mode&ModeVerify != 0 {
			// Lock-free probes first: the counter must never read zero,
			// and the page must not have come through migration as all
			// zeroes.
			if count := bc.areas.DstCount(pageNr).Load(); count == 0 {
				return fmt.Errorf("page %d: count 0, expected %d", pageNr, bc.table.At(pageNr))
			}
			if pageIsZero(bc.areas.DstPage(pageNr)) {
				return fmt.Errorf("page %d: all-zero content, expected count %d", pageNr, bc.table.At(pageNr))
			}
		}

		bc.areas.LockPage(pageNr)
		c := bc.areas.DstCount(pageNr)
		count := c.Load()
		if want := bc.table.At(pageNr); count != want {
			bc.areas.UnlockPage(pageNr)
			return fmt.Errorf("page %d: memory corruption, count %d, expected %d", pageNr, count, want)
		}
		count++
		c.Store(count)
		bc.table.Set(pageNr, count)
		bc.areas.UnlockPage(pageNr)

		if d := time.Since(start); d > time.Second {
			log.Warningf("userfault too slow (%v), possible false positive with overcommit", d)
		}
	}
	return nil
}

// pageIsZero reports whether every byte of p is zero. It must stay a
// plain byte scan: an optimized bulk comparison may short-circuit
// incorrectly while a migration is rewriting the page under it, and a
// transient zero prefix mid-copy is acceptable as long as some byte of
// the page has already changed.
func pageIsZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
