package vmeta

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/vorteil/vstore/pkg/elog"
)

// WorkloadArgs drive a randomized object workload against a volume. The op
// mix is writes by default, with rewrites and removes mixed in by ratio.
type WorkloadArgs struct {
	Volume *Volume

	Ops          int
	MinWrite     uint64
	MaxWrite     uint64
	RewriteRatio float64
	RemoveRatio  float64
	Seed         int64

	Progress elog.ProgressReporter
}

// WorkloadReport summarizes a finished run.
type WorkloadReport struct {
	Writes       int
	Rewrites     int
	Removes      int
	Shares       int
	ShareRefused int
	OutOfSpace   int
	BytesWritten uint64
}

// RunWorkload executes the op mix. Out-of-space failures are absorbed by
// evicting a random object, the way a real file layer would reclaim room, so
// a long run ages the volume instead of aborting.
func RunWorkload(args *WorkloadArgs) (*WorkloadReport, error) {
	v := args.Volume
	if v == nil {
		return nil, fmt.Errorf("workload needs a volume")
	}
	if args.MinWrite == 0 || args.MaxWrite < args.MinWrite {
		return nil, fmt.Errorf("bad write size bounds %d..%d", args.MinWrite, args.MaxWrite)
	}

	rng := rand.New(rand.NewSource(args.Seed))
	report := new(WorkloadReport)

	var progress elog.Progress
	if args.Progress != nil {
		progress = args.Progress.NewProgress("simulating", "%", int64(args.Ops))
	}

	var names []string
	var serial int

	for op := 0; op < args.Ops; op++ {
		if progress != nil {
			progress.Increment(1)
		}

		r := rng.Float64()
		switch {
		case r < args.RemoveRatio && len(names) > 0:
			i := rng.Intn(len(names))
			if err := v.Remove(names[i]); err != nil {
				return report, err
			}
			names = append(names[:i], names[i+1:]...)
			report.Removes++

		case r < args.RemoveRatio+args.RewriteRatio && len(names) > 0:
			name := names[rng.Intn(len(names))]
			size := writeSize(rng, args)
			err := v.Rewrite(name, size)
			if err != nil {
				if !errors.Is(err, ErrNoSpace) {
					return report, err
				}
				report.OutOfSpace++
				names = evict(v, rng, names)
				break
			}
			report.Rewrites++
			report.BytesWritten += size

		default:
			serial++
			name := fmt.Sprintf("obj-%06d", serial)
			if err := v.Create(name); err != nil {
				return report, err
			}
			size := writeSize(rng, args)
			err := v.Write(name, size)
			if err != nil {
				if !errors.Is(err, ErrNoSpace) {
					return report, err
				}
				_ = v.Remove(name)
				report.OutOfSpace++
				names = evict(v, rng, names)
				break
			}
			names = append(names, name)
			report.Writes++
			report.BytesWritten += size
		}

		// sprinkle copy-marks over the population to age the refcount ladder
		if op%10 == 9 && len(names) > 0 {
			name := names[rng.Intn(len(names))]
			ok, err := v.CopyShare(name, 0)
			if err == nil {
				if ok {
					report.Shares++
				} else {
					report.ShareRefused++
				}
			}
		}
	}

	if progress != nil {
		progress.Finish(true)
	}
	return report, nil
}

func writeSize(rng *rand.Rand, args *WorkloadArgs) uint64 {
	span := args.MaxWrite - args.MinWrite
	if span == 0 {
		return args.MinWrite
	}
	return args.MinWrite + uint64(rng.Int63n(int64(span)+1))
}

func evict(v *Volume, rng *rand.Rand, names []string) []string {
	if len(names) == 0 {
		return names
	}
	i := rng.Intn(len(names))
	_ = v.Remove(names[i])
	return append(names[:i], names[i+1:]...)
}
