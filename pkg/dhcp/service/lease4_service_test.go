package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLease4ServiceListAndGet(t *testing.T) {
	allocator := newTestAllocator(newFakeClock(), &recordPublisher{})
	pool := rangePool(t, "10.0.0.10", "10.0.0.12")

	_, err := allocator.Allocate("0.0", macHost1, pool, testLeaseTime)
	require.NoError(t, err)
	_, err = allocator.Allocate("0.1", macHost2, pool, testLeaseTime)
	require.NoError(t, err)

	service := NewLease4Service(allocator)
	lease4s, err := service.List("", "")
	require.NoError(t, err)
	require.Len(t, lease4s, 2)
	assert.Equal(t, "10.0.0.10", lease4s[0].Address)
	assert.Equal(t, "10.0.0.10", lease4s[0].GetID())

	lease4s, err = service.List("00:00:5e:00:53:02", "")
	require.NoError(t, err)
	require.Len(t, lease4s, 1)
	assert.Equal(t, "00:00:5E:00:53:02", lease4s[0].HwAddress)
	assert.Equal(t, "0.1", lease4s[0].Scope)

	lease4s, err = service.List("", "0.0")
	require.NoError(t, err)
	require.Len(t, lease4s, 1)
	assert.Equal(t, "offered", lease4s[0].State)

	_, err = service.List("not-a-mac", "")
	assert.Error(t, err)

	lease4, err := service.Get("10.0.0.11")
	require.NoError(t, err)
	assert.Equal(t, "00:00:5E:00:53:02", lease4.HwAddress)

	_, err = service.Get("10.0.0.12")
	assert.Error(t, err)
	_, err = service.Get("10.0.0")
	assert.Error(t, err)
}
