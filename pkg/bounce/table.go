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

// Table is the process-wide oracle of expected per-page counter values,
// one slot per page index, independent of which area currently holds the
// destination role. Slot i is read and written only while holding page
// i's lock, except for the quiescent end-of-bounce validation pass.
type Table struct {
	counts []uint64
}

// NewTable returns a Table with every slot matching a freshly initialized
// area (counter 1).
func NewTable(nrPages uint64) *Table {
	t := &Table{counts: make([]uint64, nrPages)}
	for i := range t.counts {
		t.counts[i] = 1
	}
	return t
}

// At returns the expected counter for page nr.
func (t *Table) At(nr uint64) uint64 {
	return t.counts[nr]
}

// Set records the expected counter for page nr. Callers must hold page
// nr's lock.
func (t *Table) Set(nr, count uint64) {
	t.counts[nr] = count
}

// Snapshot returns a copy of the table, for tests and diagnostics.
func (t *Table) Snapshot() []uint64 {
	out := make([]uint64, len(t.counts))
	copy(out, t.counts)
	return out
}
