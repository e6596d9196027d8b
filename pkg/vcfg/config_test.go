package vcfg

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleConfig = `
[store]
capacity = "16 MiB"
alloc-unit = "4 KiB"
min-extent = "4 KiB"
max-extent = "64 KiB"

[workload]
ops = 100
min-write = "4 KiB"
max-write = "256 KiB"
rewrite-ratio = 0.25
remove-ratio = 0.1
seed = 7
`

func TestLoadStoreConfig(t *testing.T) {

	cfg, err := LoadStoreConfig([]byte(sampleConfig))
	assert.NoError(t, err)

	assert.Equal(t, 16*MiB, cfg.Store.Capacity)
	assert.Equal(t, 4*KiB, cfg.Store.AllocUnit)
	assert.Equal(t, 64*KiB, cfg.Store.MaxExtent)
	assert.Equal(t, 100, cfg.Workload.Ops)
	assert.Equal(t, 256*KiB, cfg.Workload.MaxWrite)
	assert.Equal(t, int64(7), cfg.Workload.Seed)
}

func TestDefaultStoreConfig(t *testing.T) {

	cfg := DefaultStoreConfig()
	assert.NoError(t, cfg.Validate())

	data, err := cfg.Marshal()
	assert.NoError(t, err)

	reloaded, err := LoadStoreConfig(data)
	assert.NoError(t, err)
	assert.Equal(t, cfg.Store, reloaded.Store)
	assert.Equal(t, cfg.Workload, reloaded.Workload)
}

func TestValidate(t *testing.T) {

	cfg := DefaultStoreConfig()
	cfg.Store.AllocUnit = 3000
	assert.Error(t, cfg.Validate(), "alloc unit must be a power of two")

	cfg = DefaultStoreConfig()
	cfg.Store.Capacity = 100 * KiB
	cfg.Store.AllocUnit = 64 * KiB
	assert.Error(t, cfg.Validate(), "capacity must align with the alloc unit")

	cfg = DefaultStoreConfig()
	cfg.Store.MaxExtent = 6 * KiB
	cfg.Store.MinExtent = 4 * KiB
	assert.Error(t, cfg.Validate(), "max extent must be a multiple of min extent")

	cfg = DefaultStoreConfig()
	cfg.Workload.RewriteRatio = 0.8
	cfg.Workload.RemoveRatio = 0.4
	assert.Error(t, cfg.Validate(), "ratios cannot sum beyond 1")

	// defaults are filled in for omitted fields
	cfg = &StoreConfig{
		Store: StoreSettings{
			Capacity:  64 * MiB,
			AllocUnit: 4 * KiB,
		},
		Workload: WorkloadSettings{Ops: 10},
	}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4*KiB, cfg.Store.MinExtent)
	assert.Equal(t, 4*KiB, cfg.Workload.MinWrite)
	assert.Equal(t, 4*KiB, cfg.Workload.MaxWrite)
}
