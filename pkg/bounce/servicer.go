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

	"github.com/uffdbounce/uffdbounce/pkg/uffd"
)

// handleEvent validates one fault notification and resolves it with a
// page copy. Write faults are protocol violations when rejectWrite is
// set: nothing in this workload writes an unpopulated page except through
// the in-page lock, which faults as a read-modify-write reported missing,
// never as a write on populated memory. Returns whether the copy actually
// transferred the page.
func (bc *bounceContext) handleEvent(m *uffd.Msg, rejectWrite bool) (bool, error) {
	if m.Event != uffd.EventPagefault {
		return false, fmt.Errorf("unexpected event %#x", m.Event)
	}
	flags, addr := m.Pagefault()
	if rejectWrite && flags&uffd.PagefaultFlagWrite != 0 {
		return false, errors.New("unexpected write fault")
	}
	off := uint64(addr - bc.areas.DstBase())
	off &^= bc.areas.PageSize() - 1
	return bc.copyPage(off)
}

// serviceRead is the blocking-read fault servicer. It closes ready once
// its transfer count is initialized — the orchestrator must not make it
// cancelable before then — and loops on blocking event reads until the
// read is interrupted out from under it.
func (bc *bounceContext) serviceRead(worker int, ready chan<- struct{}) error {
	bc.faults[worker] = 0
	close(ready)
	// From here cancellation is ok.

	var m uffd.Msg
	for {
		if err := bc.fd.ReadEvent(&m); err != nil {
			if err == uffd.ErrInterrupted {
				return nil
			}
			return err
		}
		transferred, err := bc.handleEvent(&m, bc.mode&ModeVerify != 0)
		if err != nil {
			return err
		}
		if transferred {
			bc.faults[worker]++
		}
	}
}

// servicePoll is the poll-multiplexed fault servicer: it blocks on
// readiness of either the fault channel or its private cancellation pipe.
// One sentinel byte on the pipe means a cooperative, clean exit.
func (bc *bounceContext) servicePoll(worker int, cancelFD int) error {
	pollFDs := []unix.PollFd{
		{Fd: int32(bc.fd.Raw()), Events: unix.POLLIN},
		{Fd: int32(cancelFD), Events: unix.POLLIN},
	}

	var m uffd.Msg
	for {
		n, err := unix.Poll(pollFDs, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %v", err)
		}
		if n == 0 {
			return fmt.Errorf("poll returned with no events")
		}
		if pollFDs[1].Revents&unix.POLLIN != 0 {
			var sentinel [1]byte
			if n, err := unix.Read(cancelFD, sentinel[:]); err != nil || n != 1 {
				return fmt.Errorf("draining cancellation pipe: n=%d, %v", n, err)
			}
			return nil
		}
		if pollFDs[0].Revents&unix.POLLIN == 0 {
			return fmt.Errorf("unexpected poll revents %#x/%#x", pollFDs[0].Revents, pollFDs[1].Revents)
		}

		if err := bc.fd.TryReadEvent(&m); err != nil {
			if err == uffd.ErrWouldBlock {
				continue
			}
			return err
		}
		transferred, err := bc.handleEvent(&m, true)
		if err != nil {
			return err
		}
		if transferred {
			bc.faults[worker]++
		}
	}
}
