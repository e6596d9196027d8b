/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"

	"github.com/cloudfoundry/bytefmt"
	"github.com/mitchellh/go-homedir"
	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vorteil/vstore/pkg/vcfg"
	"github.com/vorteil/vstore/pkg/vmeta"
)

const defaultConfigName = "vstore.toml"

var (
	flagOps  int
	flagSeed int64
)

func addWorkloadFlags(f *pflag.FlagSet) {
	f.IntVar(&flagOps, "ops", 0, "override the configured op count")
	f.Int64Var(&flagSeed, "seed", 0, "override the configured workload seed")
}

func init() {
	addWorkloadFlags(simulateCmd.Flags())
}

func defaultConfigPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(home, ".vstore", defaultConfigName)
}

func loadConfig(args []string) (*vcfg.StoreConfig, error) {

	path := defaultConfigPath()
	if len(args) > 0 {
		path = args[0]
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return vcfg.DefaultStoreConfig(), nil
	}

	cfg, err := vcfg.LoadStoreConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config '%s': %v", path, err)
	}
	return cfg, nil
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [PATH]",
	Short: "Write a default simulation config",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		path := defaultConfigPath()
		if len(args) > 0 {
			path = args[0]
		}

		data, err := vcfg.DefaultStoreConfig().Marshal()
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}

		err = os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		err = ioutil.WriteFile(path, data, 0644)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}

		log.Printf("wrote %s", path)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate [CONFIG]",
	Short: "Run an allocation workload against an in-memory volume",
	Long: `Run a randomized object workload (writes, in-place rewrites, removes, and
copy-marks) against an in-memory volume, then report on the allocator's state:
space accounting, fragmentation, search counters, and the free-run histogram.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		cfg, err := loadConfig(args)
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
		if err = cfg.Validate(); err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}

		if flagOps != 0 {
			cfg.Workload.Ops = flagOps
		}
		if flagSeed != 0 {
			cfg.Workload.Seed = flagSeed
		}

		vol, err := vmeta.NewVolume(&vmeta.VolumeArgs{
			Name:      "sim",
			Capacity:  uint64(cfg.Store.Capacity),
			AllocUnit: uint64(cfg.Store.AllocUnit),
			MinExtent: uint64(cfg.Store.MinExtent),
			MaxExtent: uint64(cfg.Store.MaxExtent),
			Logger:    log,
		})
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}

		report, err := vmeta.RunWorkload(&vmeta.WorkloadArgs{
			Volume:       vol,
			Ops:          cfg.Workload.Ops,
			MinWrite:     uint64(cfg.Workload.MinWrite),
			MaxWrite:     uint64(cfg.Workload.MaxWrite),
			RewriteRatio: cfg.Workload.RewriteRatio,
			RemoveRatio:  cfg.Workload.RemoveRatio,
			Seed:         cfg.Workload.Seed,
			Progress:     log,
		})
		if err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}

		printReport(vol, report)
	},
}

func printReport(vol *vmeta.Volume, report *vmeta.WorkloadReport) {

	alloc := vol.Allocator()
	counters := alloc.Counters()

	log.Printf("volume %s (%s)", vol.Name(), vol.UID())
	log.Printf("")

	rows := [][]string{
		{"capacity", bytefmt.ByteSize(alloc.Capacity())},
		{"available", bytefmt.ByteSize(vol.Available())},
		{"used", bytefmt.ByteSize(vol.Used())},
		{"objects", fmt.Sprintf("%d", len(vol.Objects()))},
		{"fragmentation", fmt.Sprintf("%.4f", vol.Fragmentation())},
		{"writes", fmt.Sprintf("%d", report.Writes)},
		{"rewrites", fmt.Sprintf("%d", report.Rewrites)},
		{"removes", fmt.Sprintf("%d", report.Removes)},
		{"copy-marks", fmt.Sprintf("%d (%d refused)", report.Shares, report.ShareRefused)},
		{"out-of-space", fmt.Sprintf("%d", report.OutOfSpace)},
		{"bytes written", bytefmt.ByteSize(report.BytesWritten)},
		{"l2 allocs", fmt.Sprintf("%d", counters.L2Allocs)},
		{"l0 dives", fmt.Sprintf("%d", counters.L0Dives)},
		{"l0 iterations", fmt.Sprintf("%d", counters.L0Iterations)},
		{"alloc fragments", fmt.Sprintf("%d (+%d fast)", counters.AllocFragments, counters.AllocFragmentsFast)},
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()

	bins := make(map[int]uint64)
	alloc.CollectStats(bins)
	if len(bins) == 0 {
		return
	}

	keys := make([]int, 0, len(bins))
	for k := range bins {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	log.Printf("")
	log.Printf("free runs by size (granules):")
	histogram := tablewriter.NewWriter(os.Stdout)
	histogram.SetAlignment(tablewriter.ALIGN_LEFT)
	histogram.SetBorder(false)
	histogram.SetColumnSeparator("")
	for _, k := range keys {
		histogram.Append([]string{
			fmt.Sprintf("2^%d..2^%d", k, k+1),
			fmt.Sprintf("%d", bins[k]),
		})
	}
	histogram.Render()
}
