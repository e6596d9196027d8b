package vcfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/sisatech/toml"
)

// StoreConfig is the top-level configuration for a vstore volume and the
// workload the simulator drives against it.
type StoreConfig struct {
	Store    StoreSettings    `toml:"store"`
	Workload WorkloadSettings `toml:"workload,omitempty"`
}

// StoreSettings size the volume and its allocator.
type StoreSettings struct {
	Capacity  Bytes `toml:"capacity"`
	AllocUnit Bytes `toml:"alloc-unit"`
	MinExtent Bytes `toml:"min-extent,omitempty"`
	MaxExtent Bytes `toml:"max-extent,omitempty"`
}

// WorkloadSettings shape the simulated op mix.
type WorkloadSettings struct {
	Ops          int     `toml:"ops,omitzero"`
	MinWrite     Bytes   `toml:"min-write,omitempty"`
	MaxWrite     Bytes   `toml:"max-write,omitempty"`
	RewriteRatio float64 `toml:"rewrite-ratio,omitzero"`
	RemoveRatio  float64 `toml:"remove-ratio,omitzero"`
	Seed         int64   `toml:"seed,omitzero"`
}

// DefaultStoreConfig returns a config suitable for a quick simulation run.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		Store: StoreSettings{
			Capacity:  128 * MiB,
			AllocUnit: 4 * KiB,
			MinExtent: 4 * KiB,
			MaxExtent: 64 * KiB,
		},
		Workload: WorkloadSettings{
			Ops:          10000,
			MinWrite:     4 * KiB,
			MaxWrite:     1 * MiB,
			RewriteRatio: 0.25,
			RemoveRatio:  0.1,
			Seed:         1,
		},
	}
}

// LoadStoreConfig unmarshals a StoreConfig from TOML data.
func LoadStoreConfig(data []byte) (*StoreConfig, error) {
	cfg := new(StoreConfig)
	err := toml.Unmarshal(data, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadStoreConfigFile reads and unmarshals a StoreConfig from a TOML file.
func LoadStoreConfigFile(path string) (*StoreConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadStoreConfig(data)
}

// Marshal serializes the config back to TOML.
func (cfg *StoreConfig) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := toml.NewEncoder(buf)
	err := enc.Encode(*cfg)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate applies the same contract the allocator enforces, surfacing
// problems as errors before anything is built.
func (cfg *StoreConfig) Validate() error {

	s := &cfg.Store
	if s.AllocUnit <= 0 || s.AllocUnit&(s.AllocUnit-1) != 0 {
		return fmt.Errorf("alloc-unit '%s' must be a power of two", s.AllocUnit)
	}
	if s.Capacity < s.AllocUnit {
		return fmt.Errorf("capacity '%s' below alloc-unit '%s'", s.Capacity, s.AllocUnit)
	}
	if !s.Capacity.IsAligned(s.AllocUnit) {
		return fmt.Errorf("capacity '%s' not aligned on alloc-unit '%s'", s.Capacity, s.AllocUnit)
	}
	if s.MinExtent == 0 {
		s.MinExtent = s.AllocUnit
	}
	if s.MinExtent < s.AllocUnit || s.MinExtent&(s.MinExtent-1) != 0 {
		return fmt.Errorf("min-extent '%s' must be a power-of-two multiple of alloc-unit", s.MinExtent)
	}
	if s.MaxExtent != 0 {
		if s.MaxExtent < s.MinExtent || !s.MaxExtent.IsAligned(s.MinExtent) {
			return fmt.Errorf("max-extent '%s' must be a multiple of min-extent '%s'", s.MaxExtent, s.MinExtent)
		}
	}

	w := &cfg.Workload
	if w.Ops < 0 {
		return fmt.Errorf("workload ops cannot be negative")
	}
	if w.MinWrite == 0 {
		w.MinWrite = s.MinExtent
	}
	if w.MaxWrite == 0 {
		w.MaxWrite = w.MinWrite
	}
	if w.MaxWrite < w.MinWrite {
		return fmt.Errorf("max-write '%s' below min-write '%s'", w.MaxWrite, w.MinWrite)
	}
	if w.RewriteRatio < 0 || w.RewriteRatio > 1 || w.RemoveRatio < 0 || w.RemoveRatio > 1 {
		return fmt.Errorf("workload ratios must be within [0, 1]")
	}
	if w.RewriteRatio+w.RemoveRatio > 1 {
		return fmt.Errorf("workload ratios sum beyond 1")
	}

	return nil
}
