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

// Package churn runs randomized allocate/free workloads and checks that live
// blocks keep their contents while other blocks come and go.
package churn

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/xxhash3"
)

// Allocator is what a workload needs from an allocator.
type Allocator interface {
	Alloc(size int) []byte
	Free(b []byte)
}

// Config describes a workload. Zero fields take the DefaultConfig values.
type Config struct {
	Ops     int   // alloc or free operations per worker
	Live    int   // live blocks per worker before frees are forced
	MaxSize int   // upper bound of a block size
	Workers int   // concurrent workers, each with its own blocks
	Seed    int64 // seed of the first worker, the others use Seed+i
}

// DefaultConfig returns the default workload.
func DefaultConfig() Config {
	return Config{
		Ops:     100000,
		Live:    1024,
		MaxSize: 64 << 10,
		Workers: 1,
		Seed:    1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Ops > 0 {
		d.Ops = c.Ops
	}
	if c.Live > 0 {
		d.Live = c.Live
	}
	if c.MaxSize > 0 {
		d.MaxSize = c.MaxSize
	}
	if c.Workers > 0 {
		d.Workers = c.Workers
	}
	if c.Seed != 0 {
		d.Seed = c.Seed
	}
	return d
}

// Report sums up a finished workload.
type Report struct {
	Allocs   int
	Frees    int
	Failed   int   // allocations that returned nil
	Bytes    int64 // bytes requested by successful allocations
	PeakLive int   // largest live block count of a single worker
	Elapsed  time.Duration
	// Stopped is set when ctx ended the workload before every operation ran.
	Stopped bool
}

func (r *Report) merge(o Report) {
	r.Allocs += o.Allocs
	r.Frees += o.Frees
	r.Failed += o.Failed
	r.Bytes += o.Bytes
	r.PeakLive = max(r.PeakLive, o.PeakLive)
}

// ErrCorrupted is returned when a live block lost its contents.
var ErrCorrupted = errors.New("churn: block corrupted")

type block struct {
	b   []byte
	sum uint64
}

// Run executes the workload against a. Every block is filled with a pattern
// derived from its size and checksummed; the checksum is verified right before
// the block is freed. Run stops at the first corruption or when ctx is done,
// freeing whatever is still live. A done ctx is not an error: the partial
// Report comes back with Stopped set.
func Run(ctx context.Context, a Allocator, cfg Config) (Report, error) {
	cfg = cfg.withDefaults()
	start := time.Now()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total Report
		errs  []error
	)
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r, err := runWorker(wctx, a, cfg, seed)
			mu.Lock()
			total.merge(r)
			if err != nil {
				errs = append(errs, err)
				cancel()
			}
			mu.Unlock()
		}(cfg.Seed + int64(i))
	}
	wg.Wait()
	total.Elapsed = time.Since(start)
	total.Stopped = ctx.Err() != nil
	return total, errors.Join(errs...)
}

func runWorker(ctx context.Context, a Allocator, cfg Config, seed int64) (r Report, err error) {
	rnd := rand.New(rand.NewSource(seed))
	live := make([]block, 0, cfg.Live)
	defer func() {
		for _, b := range live {
			if verr := verify(b); verr != nil && err == nil {
				err = verr
			}
			a.Free(b.b)
			r.Frees++
		}
	}()

	for op := 0; op < cfg.Ops; op++ {
		if op&1023 == 0 && ctx.Err() != nil {
			return r, nil
		}
		if len(live) > 0 && (len(live) >= cfg.Live || rnd.Intn(2) == 0) {
			i := rnd.Intn(len(live))
			b := live[i]
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			if err := verify(b); err != nil {
				a.Free(b.b)
				r.Frees++
				return r, err
			}
			a.Free(b.b)
			r.Frees++
			continue
		}

		size := sizeFor(rnd, cfg.MaxSize)
		b := a.Alloc(size)
		if b == nil && size > 0 {
			r.Failed++
			continue
		}
		fill(b)
		live = append(live, block{b: b, sum: xxhash3.Hash(b)})
		r.Allocs++
		r.Bytes += int64(size)
		r.PeakLive = max(r.PeakLive, len(live))
	}
	return r, nil
}

// sizeFor favors small sizes the way real programs do: half of the blocks are
// below 256 bytes, the rest spread up to maxSize.
func sizeFor(rnd *rand.Rand, maxSize int) int {
	if rnd.Intn(2) == 0 {
		return rnd.Intn(min(256, maxSize) + 1)
	}
	return rnd.Intn(maxSize + 1)
}

// fill writes a pattern seeded by the block size.
func fill(b []byte) {
	x := uint32(len(b))*2654435761 + 1
	for i := range b {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		b[i] = byte(x)
	}
}

func verify(b block) error {
	if got := xxhash3.Hash(b.b); got != b.sum {
		return fmt.Errorf("%w: %d bytes at %p, checksum %#x want %#x", ErrCorrupted, len(b.b), b.b, got, b.sum)
	}
	return nil
}
