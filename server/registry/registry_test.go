package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/BYTEDz/PCLink/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) {
	t.Helper()
	config.SetDataDir(t.TempDir())
	require.NoError(t, config.Load())
	Reset()
	require.NoError(t, Init(nil, func() string { return `serverkey00000000000000000000000` }))
}

func TestApproveAndAuthorize(t *testing.T) {
	setup(t)
	device, err := Approve(`Pixel 9`, `android`, `192.168.1.20`)
	require.NoError(t, err)
	require.NotEmpty(t, device.DeviceKey)
	assert.Equal(t, 1, Count())

	got, err := Authorize(device.DeviceKey, `192.168.1.20`)
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)
	assert.Equal(t, `Pixel 9`, got.Name)
}

func TestAuthorizeServerKey(t *testing.T) {
	setup(t)
	got, err := Authorize(`serverkey00000000000000000000000`, `127.0.0.1`)
	require.NoError(t, err)
	assert.Equal(t, ServerDeviceID, got.ID)
}

func TestAuthorizeRejects(t *testing.T) {
	setup(t)
	_, err := Authorize(``, `1.1.1.1`)
	assert.ErrorIs(t, err, ErrMissing)
	_, err = Authorize(`nope`, `1.1.1.1`)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRevokeMarksKeyRevoked(t *testing.T) {
	setup(t)
	device, err := Approve(`iPad`, `ios`, `10.0.0.5`)
	require.NoError(t, err)

	assert.True(t, Revoke(device.ID))
	assert.False(t, Revoke(device.ID))
	assert.Equal(t, 0, Count())

	_, err = Authorize(device.DeviceKey, `10.0.0.5`)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRevokeAll(t *testing.T) {
	setup(t)
	a, _ := Approve(`a`, `android`, `10.0.0.1`)
	b, _ := Approve(`b`, `ios`, `10.0.0.2`)
	assert.Equal(t, 2, RevokeAll())
	assert.Equal(t, 0, Count())

	_, err := Authorize(a.DeviceKey, `10.0.0.1`)
	assert.ErrorIs(t, err, ErrRevoked)
	_, err = Authorize(b.DeviceKey, `10.0.0.2`)
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestPersistenceAcrossInit(t *testing.T) {
	dir := t.TempDir()
	config.SetDataDir(dir)
	require.NoError(t, config.Load())
	Reset()
	require.NoError(t, Init(nil, nil))

	device, err := Approve(`Laptop`, `linux`, `10.0.0.9`)
	require.NoError(t, err)

	// Simulate restart: drop in-memory state, re-read devices.json.
	devices.Clear()
	idIndex.Clear()
	require.NoError(t, Init(nil, nil))

	got, ok := Get(device.ID)
	require.True(t, ok)
	assert.Equal(t, device.DeviceKey, got.DeviceKey)
	_, err = Authorize(device.DeviceKey, `10.0.0.9`)
	require.NoError(t, err)
}

func TestSnapshotsAreCopies(t *testing.T) {
	setup(t)
	device, err := Approve(`Phone`, `android`, `10.0.0.3`)
	require.NoError(t, err)
	device.Name = `mutated`

	got, ok := Get(device.ID)
	require.True(t, ok)
	assert.Equal(t, `Phone`, got.Name)
}

func TestListSnapshot(t *testing.T) {
	setup(t)
	_, err := Approve(`one`, `android`, `10.0.0.1`)
	require.NoError(t, err)
	list := List()
	require.Len(t, list, 1)
	assert.NotEmpty(t, list[0].DeviceKey)
}

// TestAuthorizeConcurrentRefresh drives parallel Authorize calls with
// changing IPs against List readers. Records in the map are swapped,
// never mutated, so every observer sees a complete device.
func TestAuthorizeConcurrentRefresh(t *testing.T) {
	setup(t)
	device, err := Approve(`Pixel`, `android`, `192.168.1.20`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ip := fmt.Sprintf(`192.168.1.%d`, 20+n)
			for i := 0; i < 50; i++ {
				got, err := Authorize(device.DeviceKey, ip)
				assert.NoError(t, err)
				assert.Equal(t, device.ID, got.ID)
				for _, listed := range List() {
					assert.Equal(t, device.ID, listed.ID)
					assert.NotZero(t, listed.LastSeen)
				}
			}
		}(worker)
	}
	wg.Wait()

	got, ok := Get(device.ID)
	require.True(t, ok)
	assert.Equal(t, `Pixel`, got.Name)
	assert.NotZero(t, got.LastSeen)
}

func TestCorruptRegistryFailsInit(t *testing.T) {
	dir := t.TempDir()
	config.SetDataDir(dir)
	require.NoError(t, config.Load())
	Reset()
	require.NoError(t, os.WriteFile(registryPath(), []byte(`[{broken`), 0o600))
	err := Init(nil, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}
