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

// Command uffdbounce stress-tests userfaultfd-driven memory population.
//
// It allocates two areas of the given total size and bounces the content
// between them for the given number of passes, racing page-fault
// servicing, eager background copies and per-page lock/counter
// verification across all CPUs:
//
//	# 100 MiB, 99999 bounces
//	uffdbounce 100 99999
//
// The exit status is 0 on success, 2 if the page layout makes
// verification structurally impossible, and 1 for every other failure.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/uffdbounce/uffdbounce/pkg/bounce"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <total-MiB> <bounce-count>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: os.Stderr}})
	if *debug {
		log.SetLevel(log.Debug)
	}

	args := flag.Args()
	if len(args) != 2 {
		usage()
		os.Exit(1)
	}
	mib, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || mib == 0 {
		fmt.Fprintf(os.Stderr, "invalid MiB %q\n", args[0])
		usage()
		os.Exit(1)
	}
	bounces, err := strconv.Atoi(args[1])
	if err != nil || bounces <= 0 {
		fmt.Fprintf(os.Stderr, "invalid bounces %q\n", args[1])
		usage()
		os.Exit(1)
	}

	workers := runtime.NumCPU()
	cfg := bounce.Config{
		Workers:        workers,
		PagesPerWorker: mib << 20 / hostarch.PageSize / uint64(workers),
		Bounces:        bounces,
	}

	h, err := bounce.New(cfg)
	if err != nil {
		if errors.Is(err, bounce.ErrLayout) {
			fmt.Fprintf(os.Stderr, "impossible to run this test: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	log.Infof("nr_pages: %d, nr_pages_per_cpu: %d", uint64(workers)*cfg.PagesPerWorker, cfg.PagesPerWorker)

	if err := h.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		h.Close()
		os.Exit(1)
	}
}
