package mhd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func idleOrder(l *idleList) (fds []int) {
	for c := l.front(); c != nil; c = c.next {
		fds = append(fds, c.fd)
	}

	return fds
}

func TestIdleList(t *testing.T) {
	start := time.Now()
	at := func(ms int) time.Time {
		return start.Add(time.Duration(ms) * time.Millisecond)
	}

	var l idleList
	conns := []*connection{{fd: 1}, {fd: 2}, {fd: 3}}
	for i, c := range conns {
		l.touch(c, at(i))
	}

	require.Equal(t, []int{1, 2, 3}, idleOrder(&l))

	t.Run("no activity", func(t *testing.T) {
		l.touch(conns[0], at(0))
		require.Equal(t, []int{1, 2, 3}, idleOrder(&l))
	})

	t.Run("activity", func(t *testing.T) {
		l.touch(conns[0], at(10))
		require.Equal(t, []int{2, 3, 1}, idleOrder(&l))
		l.touch(conns[2], at(11))
		require.Equal(t, []int{2, 1, 3}, idleOrder(&l))
	})

	t.Run("remove", func(t *testing.T) {
		l.remove(conns[0])
		l.remove(conns[0])
		require.Equal(t, []int{2, 3}, idleOrder(&l))
		l.remove(conns[1])
		l.remove(conns[2])
		require.Nil(t, l.front())
		require.Nil(t, l.tail)
	})

	t.Run("re-add", func(t *testing.T) {
		l.touch(conns[1], at(0))
		require.Equal(t, []int{2}, idleOrder(&l))
	})
}
