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
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// All pointer arithmetic into the shared areas is confined to the
// accessors below. Indexing through the backing slice bounds-checks the
// page number before the cast, and the page-aligned base keeps both words
// naturally aligned.

// lock returns page nr's lock word.
func (a *Areas) lock(area []byte, nr uint64) *atomicbitops.Uint32 {
	return (*atomicbitops.Uint32)(unsafe.Pointer(&area[nr*a.pageSize]))
}

// count returns page nr's counter.
func (a *Areas) count(area []byte, nr uint64) *atomicbitops.Uint64 {
	return (*atomicbitops.Uint64)(unsafe.Pointer(&area[nr*a.pageSize+countOffset]))
}

// DstCount returns destination page nr's counter. Reads and writes are
// only meaningful under the page lock; a lock-free Load is permitted as a
// racy sanity probe.
func (a *Areas) DstCount(nr uint64) *atomicbitops.Uint64 {
	return a.count(a.dst, nr)
}

// SrcBase returns the starting address of the source area.
func (a *Areas) SrcBase() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.src)))
}

// DstBase returns the starting address of the destination area.
func (a *Areas) DstBase() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.dst)))
}
