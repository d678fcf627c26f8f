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

package uffd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Argument structs from include/uapi/linux/userfaultfd.h. The ioctl
// request numbers in uffd.go encode these sizes; the assertions below keep
// them honest.

type apiArg struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type rangeArg struct {
	Start uint64
	Len   uint64
}

type registerArg struct {
	Range  rangeArg
	Mode   uint64
	Ioctls uint64
}

type copyArg struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type zeropageArg struct {
	Range    rangeArg
	Mode     uint64
	Zeropage int64
}

// pagefaultArg is the pagefault member of the uffd_msg argument union.
type pagefaultArg struct {
	Flags   uint64
	Address uint64
	Ptid    uint32
	_       uint32
}

const msgSize = 32

var (
	_ [24]byte      = [unsafe.Sizeof(apiArg{})]byte{}
	_ [16]byte      = [unsafe.Sizeof(rangeArg{})]byte{}
	_ [32]byte      = [unsafe.Sizeof(registerArg{})]byte{}
	_ [40]byte      = [unsafe.Sizeof(copyArg{})]byte{}
	_ [32]byte      = [unsafe.Sizeof(zeropageArg{})]byte{}
	_ [msgSize]byte = [unsafe.Sizeof(Msg{})]byte{}
)

func (m *Msg) pagefault() *pagefaultArg {
	return (*pagefaultArg)(unsafe.Pointer(&m.Arg[0]))
}

func msgBytes(m *Msg) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(m)), msgSize)
}

// The uintptr conversion of each argument pointer must happen in the
// Syscall expression itself so the referent cannot move in between.

func (fd *FD) ioctlAPI(a *apiArg) error {
	return fd.ioctlErr(unix.Syscall(unix.SYS_IOCTL, uintptr(fd.raw), ioctlAPI, uintptr(unsafe.Pointer(a))))
}

func (fd *FD) ioctlRange(req uintptr, r *rangeArg) error {
	return fd.ioctlErr(unix.Syscall(unix.SYS_IOCTL, uintptr(fd.raw), req, uintptr(unsafe.Pointer(r))))
}

func (fd *FD) ioctlRegister(r *registerArg) error {
	return fd.ioctlErr(unix.Syscall(unix.SYS_IOCTL, uintptr(fd.raw), ioctlRegister, uintptr(unsafe.Pointer(r))))
}

func (fd *FD) ioctlCopy(c *copyArg) error {
	return fd.ioctlErr(unix.Syscall(unix.SYS_IOCTL, uintptr(fd.raw), ioctlCopy, uintptr(unsafe.Pointer(c))))
}

func (fd *FD) ioctlZeropage(z *zeropageArg) error {
	return fd.ioctlErr(unix.Syscall(unix.SYS_IOCTL, uintptr(fd.raw), ioctlZeropage, uintptr(unsafe.Pointer(z))))
}

func (fd *FD) ioctlErr(_, _ uintptr, errno unix.Errno) error {
	if errno != 0 {
		return errno
	}
	return nil
}
