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
)

// migrate is the background migrator: it eagerly copies worker's disjoint
// share of the pages, in increasing order, without waiting for faults.
// Losing a copy race to a fault servicer (or nothing at all) is expected;
// any other failure is fatal. It does not loop — once the range is
// exhausted, its part of the bounce is done.
func (bc *bounceContext) migrate(worker int) error {
	pageSize := bc.areas.PageSize()
	first := uint64(worker) * bc.pagesPerWorker
	for nr := first; nr < first+bc.pagesPerWorker; nr++ {
		if _, err := bc.copyPage(nr * pageSize); err != nil {
			return fmt.Errorf("background copy of page %d: %v", nr, err)
		}
	}
	return nil
}
