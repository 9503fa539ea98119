package bufchain

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/holmberd/go-bufchain/internal/testutils"
)

// newTestFactory is a helper for creating a factory that discards logs and
// checks that every chain was destroyed when the test ends.
func newTestFactory(t *testing.T, config Config) *Factory[*BlockPool] {
	t.Helper()
	config.Logger = discardLogger
	f, err := NewFactory(config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if live := f.Live(); live != 0 {
			t.Errorf("expected all chains to be destroyed, %d live", live)
		}
		if s := f.BlockPool().Stats(); s.InUse != 0 {
			t.Errorf("expected all blocks to be released, got %s", s)
		}
		f.BlockPool().Trim()
	})
	return f
}

func assertPanicsWithPrecondition(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatal("expected a panic, got none")
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrPrecondition) {
			t.Fatalf("expected panic error to wrap ErrPrecondition, got %v", r)
		}
	}()
	fn()
}

func TestNewFactory(t *testing.T) {
	t.Run("Invalid config", func(t *testing.T) {
		if _, err := NewFactory(Config{BufferSize: 0}); err == nil {
			t.Fatal("expected an error for invalid config, but got nil")
		}
	})

	t.Run("Buffer size", func(t *testing.T) {
		f := newTestFactory(t, DefaultConfig(8))
		if f.BufferSize() != 8 {
			t.Errorf("expected buffer size 8, got %d", f.BufferSize())
		}
		if f.BlockPool().BlockSize() != 8 {
			t.Errorf("expected block size 8, got %d", f.BlockPool().BlockSize())
		}
	})
}

func TestFactoryAllocate(t *testing.T) {
	f := newTestFactory(t, DefaultConfig(8))

	lengths := []int{0, 1, 8, 9, 20, 64}
	for _, length := range lengths {
		t.Run(fmt.Sprintf("Length %d", length), func(t *testing.T) {
			c, err := f.Allocate(length)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Destroy(c)

			if c.Length() != length {
				t.Errorf("expected length %d, got %d", length, c.Length())
			}
			if want := (length + 7) / 8; c.NumBuffers() != want {
				t.Errorf("expected %d buffers, got %d", want, c.NumBuffers())
			}
			if c.BufferSize() != 8 {
				t.Errorf("expected buffer size 8, got %d", c.BufferSize())
			}
			if f.Live() != 1 {
				t.Errorf("expected 1 live chain, got %d", f.Live())
			}
			if s := f.BlockPool().Stats(); s.InUse != c.NumBuffers() {
				t.Errorf("expected %d blocks in use, got %d", c.NumBuffers(), s.InUse)
			}
		})
	}

	t.Run("Negative length", func(t *testing.T) {
		assertPanicsWithPrecondition(t, func() { f.Allocate(-1) })
		if f.Live() != 0 {
			t.Errorf("expected no live chains, got %d", f.Live())
		}
	})

	t.Run("Recycled chain is empty", func(t *testing.T) {
		for range 10 {
			c, err := f.Allocate(0)
			if err != nil {
				t.Fatal(err)
			}
			if c.Length() != 0 || c.NumBuffers() != 0 {
				t.Fatalf("expected empty chain, got length %d with %d buffers", c.Length(), c.NumBuffers())
			}
			if err := c.Append([]byte("recycled")); err != nil {
				t.Fatal(err)
			}
			f.Destroy(c)
		}
	})
}

func TestFactoryScenario(t *testing.T) {
	f := newTestFactory(t, DefaultConfig(8))

	c, err := f.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Destroy(c)

	if err := c.Append([]byte("ABCDEFGHIJ")); err != nil {
		t.Fatal(err)
	}
	if c.Length() != 10 || c.NumBuffers() != 2 {
		t.Fatalf("expected length 10 in 2 buffers, got %d in %d", c.Length(), c.NumBuffers())
	}
	if err := c.Replace(6, []byte("xyz")); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, c.Length())
	c.CopyOut(got, 0)
	if string(got) != "ABCDEFxyzJ" {
		t.Errorf("expected %q, got %q", "ABCDEFxyzJ", got)
	}
	if err := c.SetLength(3); err != nil {
		t.Fatal(err)
	}
	if c.NumBuffers() != 1 {
		t.Errorf("expected 1 buffer, got %d", c.NumBuffers())
	}

	out, err := io.ReadAll(NewReader(c))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "ABC" {
		t.Errorf("expected %q, got %q", "ABC", out)
	}
}

func TestFactoryChainsShareBlockPool(t *testing.T) {
	f := newTestFactory(t, DefaultConfig(4))

	src, err := f.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Destroy(src)
	dst, err := f.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Destroy(dst)

	data := []byte("0123456789abcdef")
	if err := src.Append(data); err != nil {
		t.Fatal(err)
	}
	if err := dst.ReplaceFrom(0, src, 3, 10); err != nil {
		t.Fatal(err)
	}
	if err := dst.SetLengthFrom(12, src); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 10)
	dst.CopyOut(got, 0)
	if !bytes.Equal(got, data[3:13]) {
		t.Errorf("expected %q, got %q", data[3:13], got)
	}
	if src.Length() != len(data) {
		t.Errorf("expected donor without spare blocks to be unchanged, got length %d", src.Length())
	}
}

func TestFactoryDestroy(t *testing.T) {
	f := newTestFactory(t, DefaultConfig(8))

	t.Run("Nil chain", func(t *testing.T) {
		f.Destroy(nil)
		if f.Live() != 0 {
			t.Errorf("expected no live chains, got %d", f.Live())
		}
	})

	t.Run("Chain from another factory", func(t *testing.T) {
		other := newTestFactory(t, DefaultConfig(8))
		c, err := other.Allocate(16)
		if err != nil {
			t.Fatal(err)
		}
		defer other.Destroy(c)
		assertPanicsWithPrecondition(t, func() { f.Destroy(c) })
	})

	t.Run("Double destroy panics", func(t *testing.T) {
		c, err := f.Allocate(8)
		if err != nil {
			t.Fatal(err)
		}
		f.Destroy(c)
		assertPanicsWithPrecondition(t, func() { f.Destroy(c) })
		if f.Live() != 0 {
			t.Errorf("expected no live chains, got %d", f.Live())
		}

		a, err := f.Allocate(4)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Destroy(a)
		b, err := f.Allocate(4)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Destroy(b)
		if a == b {
			t.Fatal("expected distinct chains after a rejected double destroy")
		}
	})

	t.Run("Chain not allocated by the factory", func(t *testing.T) {
		c := NewChain(f.BlockPool())
		if err := c.SetLength(16); err != nil {
			t.Fatal(err)
		}
		defer c.RemoveAll()
		assertPanicsWithPrecondition(t, func() { f.Destroy(c) })
		if f.Live() != 0 {
			t.Errorf("expected live count to be unchanged, got %d", f.Live())
		}
		if c.Length() != 16 {
			t.Errorf("expected rejected chain to be unchanged, got length %d", c.Length())
		}
	})

	t.Run("Chain from another factory sharing the pool", func(t *testing.T) {
		other := Custom(f.BlockPool(), discardLogger)
		c, err := other.Allocate(8)
		if err != nil {
			t.Fatal(err)
		}
		defer other.Destroy(c)
		assertPanicsWithPrecondition(t, func() { f.Destroy(c) })
	})

	t.Run("Chain from a custom pool", func(t *testing.T) {
		other := Custom(testutils.NewMockBlockPool(8), discardLogger)
		c := NewChain(testutils.NewMockBlockPool(8))
		assertPanicsWithPrecondition(t, func() { other.Destroy(c) })
	})
}

func TestFactoryPoolExhausted(t *testing.T) {
	f := newTestFactory(t, Config{BufferSize: 8, BlocksPerAlloc: 1, MaxBlocks: 2})

	if _, err := f.Allocate(24); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if f.Live() != 0 {
		t.Errorf("expected no live chains after a failed allocation, got %d", f.Live())
	}

	c, err := f.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Destroy(c)
	if err := c.Append([]byte{1}); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if c.Length() != 16 || c.NumBuffers() != 2 {
		t.Errorf("expected chain to be unchanged, got length %d with %d buffers", c.Length(), c.NumBuffers())
	}
}

func TestCustomFactory(t *testing.T) {
	pool := testutils.NewMockBlockPool(16)
	f := Custom(pool, discardLogger)
	if f.BufferSize() != 16 || f.BlockPool() != pool {
		t.Fatalf("expected factory to use the custom pool")
	}

	c, err := f.Allocate(40)
	if err != nil {
		t.Fatal(err)
	}
	if pool.BlocksInUse() != 3 {
		t.Errorf("expected 3 blocks in use, got %d", pool.BlocksInUse())
	}
	f.Destroy(c)
	if pool.BlocksInUse() != 0 {
		t.Errorf("expected all blocks to be released, got %d", pool.BlocksInUse())
	}

	t.Run("Exhausted pool", func(t *testing.T) {
		pool := testutils.NewMockBlockPool(16)
		pool.Limit = 1
		f := Custom(pool, discardLogger)
		if _, err := f.Allocate(17); !errors.Is(err, testutils.ErrMockPoolExhausted) {
			t.Fatalf("expected pool error, got %v", err)
		}
		if pool.BlocksInUse() != 0 || f.Live() != 0 {
			t.Errorf("expected failed allocation to release its blocks, got %d in use", pool.BlocksInUse())
		}
	})
}

func TestFactoryAllocateShared(t *testing.T) {
	pool := testutils.NewMockBlockPool(8)
	f := Custom(pool, discardLogger)

	s, err := f.AllocateShared(10)
	if err != nil {
		t.Fatal(err)
	}
	if s.Get().Length() != 10 || f.Live() != 1 {
		t.Fatalf("expected a live chain of length 10, got length %d", s.Get().Length())
	}

	s.Retain()
	s.Release()
	if f.Live() != 1 || pool.BlocksInUse() != 2 {
		t.Fatal("expected chain to survive while referenced")
	}
	s.Release()
	if f.Live() != 0 || pool.BlocksInUse() != 0 {
		t.Errorf("expected chain to be destroyed with the last reference, %d live", f.Live())
	}

	pool.Limit = 1
	if _, err := f.AllocateShared(16); err == nil {
		t.Error("expected an error from an exhausted pool, got nil")
	}
}

func TestFactoryConcurrentUse(t *testing.T) {
	f := newTestFactory(t, Config{BufferSize: 32, BlocksPerAlloc: 8, FreeThreshold: 64})

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			data := bytes.Repeat([]byte{byte(i)}, 100)
			for range 200 {
				c, err := f.Allocate(0)
				if err != nil {
					return err
				}
				if err := c.Append(data); err != nil {
					return err
				}
				got, err := io.ReadAll(NewReader(c))
				if err != nil {
					return err
				}
				if !bytes.Equal(got, data) {
					return fmt.Errorf("goroutine %d: chain contents were corrupted", i)
				}
				f.Destroy(c)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
