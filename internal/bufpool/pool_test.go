package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseFullCycle(t *testing.T) {
	p := New(8, 1500)
	require.Equal(t, 8, p.Available())

	var acquired []*Descriptor
	for i := 0; i < 8; i++ {
		d, err := p.Acquire()
		require.NoError(t, err)
		acquired = append(acquired, d)
	}
	require.Equal(t, 0, p.Available())

	_, err := p.Acquire()
	require.ErrorIs(t, err, ErrExhausted)

	for _, d := range acquired {
		p.Release(d.Index())
	}
	require.Equal(t, 8, p.Available())
}

func TestAcquireResetsControlAndAddr(t *testing.T) {
	p := New(4, 64)
	d, err := p.Acquire()
	require.NoError(t, err)
	d.Control = append(d.Control, 1, 2, 3)
	p.Release(d.Index())

	d2, err := p.Acquire()
	require.NoError(t, err)
	require.Empty(t, d2.Control)
	require.Nil(t, d2.Addr)
}

func TestGetLooksUpByIndexWithoutConsumingFreeList(t *testing.T) {
	p := New(4, 64)
	before := p.Available()
	d := p.Get(2)
	require.Equal(t, 2, d.Index())
	require.Equal(t, before, p.Available())
}

func TestReleaseManyReturnsBatch(t *testing.T) {
	p := New(4, 64)
	d1, _ := p.Acquire()
	d2, _ := p.Acquire()
	require.Equal(t, 2, p.Available())
	p.ReleaseMany([]int{d1.Index(), d2.Index()})
	require.Equal(t, 4, p.Available())
}
