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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudwego/pagemalloc/unsafex/malloc"
	"github.com/cloudwego/pagemalloc/unsafex/pages"
)

var (
	// Global flags
	verbose   bool
	jsonOut   bool
	supplier  string
	pageSize  int
	arenaSize int
	alignment int
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mallocstress",
		Short: "Exercise the page allocator",
		Long: `mallocstress runs allocation scenarios and randomized churn against the
page allocator, verifying block contents and page bookkeeping, and prints the
resulting pool statistics.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log page lifecycle events to stderr")
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(&supplier, "supplier", "os", "Page supplier: os, heap or arena")
	cmd.PersistentFlags().IntVar(&pageSize, "page-size", 0, "Page size in bytes, 0 for the OS page size")
	cmd.PersistentFlags().IntVar(&arenaSize, "arena-size", 64<<20, "Arena budget in bytes for --supplier=arena")
	cmd.PersistentFlags().IntVar(&alignment, "alignment", malloc.DefaultAlignment, "Block alignment, a power of two in [8, 32]")

	cmd.AddCommand(newScenarioCmd(), newChurnCmd())
	return cmd
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newSupplier builds the page supplier selected by the global flags.
// The returned cleanup releases what the supplier holds.
func newSupplier() (pages.Supplier, func(), error) {
	switch supplier {
	case "os":
		s, err := pages.NewOS(pageSize)
		return s, func() {}, err
	case "heap":
		s, err := pages.NewHeap(pageSize)
		return s, func() {}, err
	case "arena":
		backing, err := pages.NewOS(pageSize)
		if err != nil {
			return nil, nil, err
		}
		ps := backing.PageSize()
		maxPages := 1
		for maxPages*2*ps <= arenaSize && maxPages*2*ps <= 16<<20 {
			maxPages *= 2
		}
		size := arenaSize / (maxPages * ps) * (maxPages * ps)
		a, err := pages.NewArena(backing, size, maxPages)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { _ = a.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown supplier %q", supplier)
}

func newAllocator() (*malloc.Allocator, func(), error) {
	s, cleanup, err := newSupplier()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create supplier: %w", err)
	}
	a, err := malloc.New(&malloc.Option{
		Supplier:  s,
		Alignment: alignment,
		Logger:    newLogger(),
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	return a, cleanup, nil
}

// printJSON outputs data as JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printStats(w io.Writer, st malloc.Stats) {
	fmt.Fprintf(w, "page size: %d\n", st.PageSize)
	for _, p := range []struct {
		name string
		s    malloc.PoolStats
	}{{"small", st.Small}, {"medium", st.Medium}} {
		fmt.Fprintf(w, "%-6s pages=%d freeable=%d in-use=%d free=%d allocs=%d frees=%d\n",
			p.name, p.s.Pages, p.s.Freeable, p.s.InUse(), p.s.FreeBytes, p.s.Allocs, p.s.Frees)
	}
	fmt.Fprintf(w, "large  blocks=%d bytes=%d allocs=%d frees=%d\n",
		st.Large.Blocks, st.Large.Bytes, st.Large.Allocs, st.Large.Frees)
}
