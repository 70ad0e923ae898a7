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
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudwego/pagemalloc/internal/churn"
	"github.com/cloudwego/pagemalloc/unsafex/malloc"
)

func newChurnCmd() *cobra.Command {
	cfg := churn.DefaultConfig()
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "churn",
		Short: "Run a randomized alloc/free workload with content checks",
		Long: `The churn command allocates and frees random sizes from concurrent workers.
Every block is filled with a size-derived pattern whose checksum is verified
before the block is freed, and page bookkeeping is verified at the end.

Example:
  mallocstress churn --ops 1000000 --workers 8
  mallocstress churn --supplier arena --arena-size 4194304 --max-size 65536`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newAllocator()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			report, err := churn.Run(ctx, a, cfg)
			if err != nil {
				return fmt.Errorf("churn failed: %w", err)
			}
			if report.Stopped {
				newLogger().Info("churn stopped early", "timeout", timeout, "allocs", report.Allocs)
			}
			if err := a.Verify(); err != nil {
				return fmt.Errorf("page bookkeeping broken: %w", err)
			}

			out := cmd.OutOrStdout()
			st := a.Stats()
			if jsonOut {
				return printJSON(out, struct {
					Report churn.Report
					Stats  malloc.Stats
				}{report, st})
			}
			fmt.Fprintf(out, "allocs=%d frees=%d failed=%d bytes=%d peak-live=%d elapsed=%s stopped=%t\n",
				report.Allocs, report.Frees, report.Failed, report.Bytes, report.PeakLive, report.Elapsed, report.Stopped)
			printStats(out, st)
			return nil
		},
	}
	cmd.Flags().IntVar(&cfg.Ops, "ops", cfg.Ops, "Operations per worker")
	cmd.Flags().IntVar(&cfg.Live, "live", cfg.Live, "Live blocks per worker before frees are forced")
	cmd.Flags().IntVar(&cfg.MaxSize, "max-size", cfg.MaxSize, "Largest block size")
	cmd.Flags().IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent workers")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed of the first worker")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop the workload after this duration")
	return cmd
}
