/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cloudwego/pagemalloc/unsafex"
	"github.com/cloudwego/pagemalloc/unsafex/malloc"
)

var defaultScenario = []int{8, 8, 200, 8, 4096 * 3}

func newScenarioCmd() *cobra.Command {
	var reuse int
	cmd := &cobra.Command{
		Use:   "scenario [size...]",
		Short: "Allocate a fixed list of sizes, free one and check its reuse",
		Long: `The scenario command allocates every size in order, frees the block at
--reuse, allocates the same size again and checks that the freed block comes
back at the same address. All blocks are freed at the end and the pools must
be left without live pages.

Example:
  mallocstress scenario
  mallocstress scenario 16 16 4000 --reuse 0
  mallocstress scenario --supplier heap --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sizes := defaultScenario
			if len(args) > 0 {
				sizes = sizes[:0:0]
				for _, arg := range args {
					n, err := strconv.Atoi(arg)
					if err != nil || n < 0 {
						return fmt.Errorf("invalid size %q", arg)
					}
					sizes = append(sizes, n)
				}
			}
			a, cleanup, err := newAllocator()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := runScenario(a, sizes, reuse)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, res)
			}
			for i, b := range res.Blocks {
				fmt.Fprintf(out, "#%d size=%d cap=%d addr=%#x\n", i, b.Size, b.Cap, b.Addr)
			}
			fmt.Fprintf(out, "reused #%d at %#x\n", reuse, res.Reused)
			printStats(out, res.Stats)
			return nil
		},
	}
	cmd.Flags().IntVar(&reuse, "reuse", 1, "Index of the block to free and allocate again")
	return cmd
}

type scenarioBlock struct {
	Size int
	Cap  int
	Addr uintptr
}

type scenarioResult struct {
	Blocks []scenarioBlock
	Reused uintptr
	Stats  malloc.Stats
}

func runScenario(a *malloc.Allocator, sizes []int, reuse int) (*scenarioResult, error) {
	if reuse < 0 || reuse >= len(sizes) {
		return nil, fmt.Errorf("--reuse %d out of range for %d sizes", reuse, len(sizes))
	}
	res := &scenarioResult{}
	blocks := make([][]byte, len(sizes))
	defer func() {
		for _, b := range blocks {
			a.Free(b)
		}
	}()
	for i, size := range sizes {
		b := a.Alloc(size)
		if b == nil {
			return nil, fmt.Errorf("allocation of %d bytes failed", size)
		}
		blocks[i] = b
		res.Blocks = append(res.Blocks, scenarioBlock{Size: size, Cap: cap(b), Addr: unsafex.DataAddr(b)})
	}

	a.Free(blocks[reuse])
	blocks[reuse] = a.Alloc(sizes[reuse])
	if blocks[reuse] == nil {
		return nil, fmt.Errorf("allocation of %d bytes failed", sizes[reuse])
	}
	res.Reused = unsafex.DataAddr(blocks[reuse])
	if res.Reused != res.Blocks[reuse].Addr {
		return nil, fmt.Errorf("block #%d came back at %#x, was %#x", reuse, res.Reused, res.Blocks[reuse].Addr)
	}

	for i, b := range blocks {
		a.Free(b)
		blocks[i] = nil
	}
	res.Stats = a.Stats()
	if res.Stats.Small.Pages != 0 || res.Stats.Medium.Pages != 0 || res.Stats.Large.Blocks != 0 {
		return nil, fmt.Errorf("pages still live after freeing every block: %+v", res.Stats)
	}
	if err := a.Verify(); err != nil {
		return nil, err
	}
	return res, nil
}
