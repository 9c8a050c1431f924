package pool

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y int32
}

func TestOwningBox_StoresAndFreesValue(t *testing.T) {
	a := New(64, 4)

	box, err := NewOwningBox(a, point{X: 3, Y: 4})
	require.NoError(t, err)
	assert.Equal(t, point{X: 3, Y: 4}, *box.Get())

	box.Get().X = 9
	assert.Equal(t, int32(9), box.Get().X)

	require.NoError(t, box.Free())
	require.NoError(t, a.Validate())
}

func TestOwningBox_DoubleFreeErrors(t *testing.T) {
	a := New(64, 4)

	box, err := NewOwningBox(a, 42)
	require.NoError(t, err)
	require.NoError(t, box.Free())

	err = box.Free()
	assert.Error(t, err)
}

func TestOwningBox_FinalizerReclaimsLeakedBox(t *testing.T) {
	a := New(64, 4)

	func() {
		_, err := NewOwningBox(a, point{X: 1, Y: 2})
		require.NoError(t, err)
	}()

	// Finalizers run on a separate goroutine after GC, not synchronously
	// with it, so poll for the effect instead of asserting immediately.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runtime.GC()
		if a.Stats().RegionsLive == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := a.Stats()
	assert.Equal(t, 1, stats.RegionsLive, "finalizer should have released the only live allocation")
}

type shape interface {
	Area() float64
}

type circle struct {
	R float64
}

func (c *circle) Area() float64 { return 3.14159 * c.R * c.R }

func TestOwningBoxAbstract_StoresConcreteExposesAbstract(t *testing.T) {
	a := New(64, 4)

	box, err := NewOwningBoxAs[circle, shape](a, circle{R: 2}, func(c *circle) shape { return c })
	require.NoError(t, err)

	assert.InDelta(t, 12.566, box.Get().Area(), 0.001)

	require.NoError(t, box.Free())
	require.NoError(t, a.Validate())
}
