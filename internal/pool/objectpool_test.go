package pool

import (
	"testing"

	"github.com/indigo-web/mhd/internal/mempool"
	"github.com/stretchr/testify/require"
)

func TestObjectPool(t *testing.T) {
	var made int
	p := NewObjectPool[*mempool.Pool](2, func() *mempool.Pool {
		made++
		return mempool.New(64)
	}, (*mempool.Pool).Clear)

	t.Run("acquire from empty", func(t *testing.T) {
		a := p.Acquire()
		require.NotNil(t, a)
		require.Equal(t, 1, made)
		require.Zero(t, p.Idle())
		p.Release(a)
		require.Equal(t, 1, p.Idle())
	})

	t.Run("reuse", func(t *testing.T) {
		a := p.Acquire()
		require.Equal(t, 1, made)
		_, ok := a.Allocate(32)
		require.True(t, ok)
		p.Release(a)

		b := p.Acquire()
		require.Same(t, a, b)
		require.Equal(t, 64, b.Free())
	})

	t.Run("overflow", func(t *testing.T) {
		objs := []*mempool.Pool{p.Acquire(), p.Acquire(), p.Acquire()}
		for _, obj := range objs {
			p.Release(obj)
		}

		require.Equal(t, 2, p.Idle())
	})
}
