package bufchain

import (
	"errors"
	"fmt"
	"log/slog"
)

const (
	allocBatchBytes   = 64 * KiB // Bytes to allocate when a pool runs out of free blocks.
	freeThresholdSize = 64 * MiB // Bytes of free blocks a pool holds before releasing memory.
)

type BlockPoolConfig struct {
	BlockSize int // Size of every block in bytes.

	// Number of blocks to allocate at once when the pool has no free blocks.
	// A value <= 0 allocates a single block.
	BlocksPerAlloc int

	// Number of free blocks the pool can hold before starting to release memory.
	// A value <= 0 never releases memory.
	FreeThreshold int

	// Maximum number of blocks allocated at any time, in use or free.
	// A value <= 0 does not limit the pool.
	MaxBlocks int

	Logger *slog.Logger // Defaults to slog.Default().
}

func (c BlockPoolConfig) Validate() error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: block size %d must be positive", c.BlockSize))
	}
	if c.MaxBlocks > 0 && c.BlocksPerAlloc > c.MaxBlocks {
		errs = append(
			errs,
			fmt.Errorf("invalid config: blocks per alloc %d exceeds max blocks %d", c.BlocksPerAlloc, c.MaxBlocks),
		)
	}
	return errors.Join(errs...)
}

func DefaultBlockPoolConfig(blockSize int) BlockPoolConfig {
	if blockSize <= 0 {
		return BlockPoolConfig{BlockSize: blockSize}
	}
	return BlockPoolConfig{
		BlockSize:      blockSize,
		BlocksPerAlloc: max(allocBatchBytes/blockSize, 1),   // Allocate ~64KB at a time.
		FreeThreshold:  max(freeThresholdSize/blockSize, 1), // Hold up to ~64MB of free blocks.
	}
}

// Config configures a Factory and the block pool it owns.
type Config struct {
	BufferSize     int // Payload size of every block in a chain, in bytes.
	BlocksPerAlloc int // See BlockPoolConfig.
	FreeThreshold  int // See BlockPoolConfig.
	MaxBlocks      int // See BlockPoolConfig.

	Logger *slog.Logger // Defaults to slog.Default().
}

func (c Config) Validate() error {
	var errs []error
	pc := c.blockPoolConfig()
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: buffer size %d must be positive", c.BufferSize))
		pc.BlockSize = 1 // Reported above as the buffer size.
	}
	errs = append(errs, pc.Validate())
	return errors.Join(errs...)
}

func (c Config) blockPoolConfig() BlockPoolConfig {
	return BlockPoolConfig{
		BlockSize:      c.BufferSize,
		BlocksPerAlloc: c.BlocksPerAlloc,
		FreeThreshold:  c.FreeThreshold,
		MaxBlocks:      c.MaxBlocks,
		Logger:         c.Logger,
	}
}

func DefaultConfig(bufferSize int) Config {
	pc := DefaultBlockPoolConfig(bufferSize)
	return Config{
		BufferSize:     bufferSize,
		BlocksPerAlloc: pc.BlocksPerAlloc,
		FreeThreshold:  pc.FreeThreshold,
	}
}
