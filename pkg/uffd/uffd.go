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

// Package uffd wraps Linux's userfaultfd(2) syscall.
//
// The descriptor is created in non-blocking mode and handed to an os.File,
// so blocking event reads go through the runtime netpoller and can be
// interrupted with a read deadline instead of thread cancellation.
package uffd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Constants from include/uapi/linux/userfaultfd.h.
const (
	// apiVersion is the UFFD_API handshake version.
	apiVersion = 0xaa

	// EventPagefault is the only event kind this package expects to see
	// on a range registered in missing-pages mode.
	EventPagefault = 0x12

	// PagefaultFlagWrite is set in a pagefault event's flags when the
	// faulting access was a write.
	PagefaultFlagWrite = 1 << 0

	// registerModeMissing requests notification for not-yet-populated
	// pages only.
	registerModeMissing = 1 << 0
)

// Ioctl request numbers for the userfaultfd fd. The encoded struct sizes
// are identical on amd64 and arm64; uffd_unsafe.go asserts them.
const (
	ioctlAPI        = 0xc018aa3f
	ioctlRegister   = 0xc020aa00
	ioctlUnregister = 0x8010aa01
	ioctlWake       = 0x8010aa02
	ioctlCopy       = 0xc028aa03
	ioctlZeropage   = 0xc020aa04
)

// IoctlSet is the set of range operations the kernel reports as available
// for a registered range (the uffdio_register.ioctls bitmask).
type IoctlSet uint64

// Bits of IoctlSet.
const (
	IoctlWake     IoctlSet = 1 << 0x02
	IoctlCopy     IoctlSet = 1 << 0x03
	IoctlZeropage IoctlSet = 1 << 0x04
)

// Supports returns true if every operation in want is present in s.
func (s IoctlSet) Supports(want IoctlSet) bool {
	return s&want == want
}

var (
	// ErrWouldBlock is returned by TryReadEvent when no event is pending.
	ErrWouldBlock = errors.New("no fault event pending")

	// ErrInterrupted is returned by ReadEvent when the read was cut short
	// by Interrupt. It is the only tolerated exit from a blocking read
	// loop.
	ErrInterrupted = errors.New("fault read interrupted")
)

// aLongTimeAgo is a non-zero time in the distant past, used to expire the
// read deadline immediately.
var aLongTimeAgo = time.Unix(1, 0)

// Msg mirrors struct uffd_msg: one fault notification as read from the fd.
type Msg struct {
	// Event is the event kind (EventPagefault or a protocol violation).
	Event uint8
	_     [7]byte

	// Arg is the event argument union. Use Pagefault to decode it.
	Arg [24]byte
}

// FD is an open userfaultfd descriptor.
type FD struct {
	file *os.File

	// raw duplicates the descriptor number for ioctls and poll(2).
	// Calling file.Fd() instead would deregister the file from the
	// netpoller and break ReadEvent's deadline handling.
	raw int
}

// Open creates a userfaultfd descriptor and performs the UFFDIO_API
// handshake. Failure is a setup error: either the kernel lacks the
// facility (ENOSYS) or the caller is not allowed to use it (EPERM, see
// vm.unprivileged_userfaultfd).
func Open() (*FD, error) {
	raw, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		if errno == unix.ENOSYS {
			return nil, fmt.Errorf("userfaultfd syscall not available in this kernel: %v", errno)
		}
		return nil, fmt.Errorf("userfaultfd: %v", errno)
	}

	fd := &FD{
		// The fd is non-blocking, so NewFile registers it with the
		// netpoller and SetReadDeadline works.
		file: os.NewFile(raw, "userfaultfd"),
		raw:  int(raw),
	}

	api := apiArg{API: apiVersion}
	if err := fd.ioctlAPI(&api); err != nil {
		fd.Close()
		return nil, fmt.Errorf("UFFDIO_API: %v", err)
	}
	if api.API != apiVersion {
		fd.Close()
		return nil, fmt.Errorf("UFFDIO_API: kernel negotiated unexpected version %#x", api.API)
	}
	return fd, nil
}

// Close releases the descriptor, after which the FD must not be used.
func (fd *FD) Close() error {
	return fd.file.Close()
}

// Raw returns the underlying descriptor number for use with poll(2). Use
// with care, as this breaks the FD abstraction.
func (fd *FD) Raw() int {
	return fd.raw
}

// Register arms fault reporting for [addr, addr+length) in missing-pages
// mode and returns the operations the kernel supports on the range.
func (fd *FD) Register(addr uintptr, length uint64) (IoctlSet, error) {
	reg := registerArg{
		Range: rangeArg{Start: uint64(addr), Len: length},
		Mode:  registerModeMissing,
	}
	if err := fd.ioctlRegister(&reg); err != nil {
		return 0, fmt.Errorf("UFFDIO_REGISTER: %v", err)
	}
	return IoctlSet(reg.Ioctls), nil
}

// Unregister disarms fault reporting for [addr, addr+length).
func (fd *FD) Unregister(addr uintptr, length uint64) error {
	r := rangeArg{Start: uint64(addr), Len: length}
	if err := fd.ioctlRange(ioctlUnregister, &r); err != nil {
		return fmt.Errorf("UFFDIO_UNREGISTER: %v", err)
	}
	return nil
}

// Wake wakes any faulting threads blocked on [addr, addr+length).
func (fd *FD) Wake(addr uintptr, length uint64) error {
	r := rangeArg{Start: uint64(addr), Len: length}
	if err := fd.ioctlRange(ioctlWake, &r); err != nil {
		return fmt.Errorf("UFFDIO_WAKE: %v", err)
	}
	return nil
}

// Copy populates the destination page(s) at dst with the contents of src,
// waking any blocked faulting threads. Returns false with a nil error if
// the destination was already populated ("already present"): copies race
// between fault servicers and background migrators by design, and the
// kernel guarantees at most one of them transfers the page.
func (fd *FD) Copy(dst, src uintptr, length uint64) (bool, error) {
	arg := copyArg{Dst: uint64(dst), Src: uint64(src), Len: length}
	if err := fd.ioctlCopy(&arg); err != nil {
		if err == unix.EEXIST {
			return false, nil
		}
		return false, fmt.Errorf("UFFDIO_COPY: %v (copy %d)", err, arg.Copy)
	}
	if uint64(arg.Copy) != length {
		return false, fmt.Errorf("UFFDIO_COPY: short copy %d of %d", arg.Copy, length)
	}
	return true, nil
}

// Zeropage populates the page(s) at addr with zeroes, with the same
// already-present semantics as Copy.
func (fd *FD) Zeropage(addr uintptr, length uint64) (bool, error) {
	arg := zeropageArg{Range: rangeArg{Start: uint64(addr), Len: length}}
	if err := fd.ioctlZeropage(&arg); err != nil {
		if err == unix.EEXIST {
			return false, nil
		}
		return false, fmt.Errorf("UFFDIO_ZEROPAGE: %v", err)
	}
	return true, nil
}

// ReadEvent blocks until one fault event is available and decodes it into
// m. If Interrupt expired the read deadline, ErrInterrupted is returned.
func (fd *FD) ReadEvent(m *Msg) error {
	n, err := fd.file.Read(msgBytes(m))
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return ErrInterrupted
		}
		return fmt.Errorf("blocking read: %v", err)
	}
	if n != msgSize {
		return fmt.Errorf("short read: %d of %d bytes", n, msgSize)
	}
	return nil
}

// TryReadEvent is the non-blocking variant of ReadEvent, for callers
// multiplexing the descriptor with poll(2). Returns ErrWouldBlock when no
// event is pending.
func (fd *FD) TryReadEvent(m *Msg) error {
	n, err := unix.Read(fd.raw, msgBytes(m))
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return ErrWouldBlock
		}
		return fmt.Errorf("nonblocking read: %v", err)
	}
	if n != msgSize {
		return fmt.Errorf("short read: %d of %d bytes", n, msgSize)
	}
	return nil
}

// Interrupt makes any current or future ReadEvent return ErrInterrupted.
// This is the blocking-mode cancellation policy: it is scoped to the
// blocking read, so a caller mid-Copy or mid-handshake is never cut short.
func (fd *FD) Interrupt() {
	fd.file.SetReadDeadline(aLongTimeAgo)
}

// ClearInterrupt re-arms ReadEvent after a previous Interrupt.
func (fd *FD) ClearInterrupt() {
	fd.file.SetReadDeadline(time.Time{})
}

// Pagefault decodes the event argument of a pagefault event.
func (m *Msg) Pagefault() (flags uint64, addr uintptr) {
	pf := m.pagefault()
	return pf.Flags, uintptr(pf.Address)
}
