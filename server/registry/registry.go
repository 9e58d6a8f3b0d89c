// Package registry is the authoritative set of paired devices. The
// map is keyed by device key with a secondary id index, and every
// mutation is persisted to devices.json with a full rewrite through a
// temp file, so a crash can never leave a torn registry.
package registry

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/BYTEDz/PCLink/utils/cmap"
	"github.com/google/uuid"
)

// ServerDeviceID is the sentinel owner for requests authenticated with
// the server API key itself; it is distinguished in audit events.
const ServerDeviceID = `server`

var (
	ErrMissing = errors.New(modules.CodeMissingCredential)
	ErrInvalid = errors.New(modules.CodeInvalidCredential)
	ErrRevoked = errors.New(modules.CodeRevokedCredential)
)

var (
	devices   = cmap.New[*modules.Device]() // device_key -> Device
	idIndex   = cmap.New[string]()          // device_id -> device_key
	revoked   = cmap.New[int64]()           // former device_key -> revoked at
	events    *hub.Hub
	serverKey func() string
)

func registryPath() string {
	return filepath.Join(config.DataDir(), `devices.json`)
}

// Init loads devices.json. A corrupt file fails startup loudly; the
// operator has to remove it to proceed.
func Init(h *hub.Hub, apiKey func() string) error {
	events = h
	serverKey = apiKey
	data, err := os.ReadFile(registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var list []*modules.Device
	if err = utils.JSON.Unmarshal(data, &list); err != nil {
		return fmt.Errorf(`device registry %s is corrupt: %w`, registryPath(), err)
	}
	for _, device := range list {
		devices.Set(device.DeviceKey, device)
		idIndex.Set(device.ID, device.DeviceKey)
	}
	return nil
}

func save() error {
	list := make([]*modules.Device, 0, devices.Count())
	devices.IterCb(func(key string, device *modules.Device) bool {
		list = append(list, device)
		return true
	})
	data, err := utils.JSON.MarshalIndent(list, ``, `  `)
	if err != nil {
		return err
	}
	tmp := registryPath() + `.tmp`
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, registryPath())
}

// Authorize resolves a presented key to a device, in constant time per
// candidate. The server API key is accepted for the operator's own
// tooling under the Server sentinel. On success the device's last_seen
// and ip are refreshed.
func Authorize(key, ip string) (*modules.Device, error) {
	if len(key) == 0 {
		return nil, ErrMissing
	}
	if serverKey != nil {
		if sk := serverKey(); len(sk) > 0 &&
			subtle.ConstantTimeCompare([]byte(key), []byte(sk)) == 1 {
			return &modules.Device{ID: ServerDeviceID, Name: ServerDeviceID, IP: ip}, nil
		}
	}
	var match *modules.Device
	var matchKey string
	devices.IterCb(func(deviceKey string, device *modules.Device) bool {
		if subtle.ConstantTimeCompare([]byte(key), []byte(deviceKey)) == 1 {
			match = device
			matchKey = deviceKey
			return false
		}
		return true
	})
	if match == nil {
		if revoked.Has(key) {
			return nil, ErrRevoked
		}
		return nil, ErrInvalid
	}
	// Devices in the map are never mutated in place; refreshing
	// last_seen/ip swaps in a copy so concurrent Authorize, save and
	// List calls only ever see complete records.
	updated := *match
	updated.LastSeen = utils.Unix
	if len(ip) > 0 && updated.IP != ip {
		common.Info(nil, `DEVICE_IP_CHANGE`, ``, ``, map[string]any{
			`device_id`: updated.ID,
			`old_ip`:    updated.IP,
			`new_ip`:    ip,
		})
		updated.IP = ip
	}
	devices.Set(matchKey, &updated)
	if err := save(); err != nil {
		common.Warn(nil, `REGISTRY_SAVE`, `fail`, err.Error(), map[string]any{`device_id`: updated.ID})
	}
	return snapshot(&updated), nil
}

// Approve creates a device with a fresh key and persists it. The
// device_connected event goes to operator subscribers.
func Approve(name, platform, ip string) (*modules.Device, error) {
	device := &modules.Device{
		ID:         uuid.NewString(),
		Name:       name,
		Platform:   platform,
		IP:         ip,
		DeviceKey:  utils.GetStrUUID(),
		ApprovedAt: utils.Unix,
		LastSeen:   utils.Unix,
	}
	devices.Set(device.DeviceKey, device)
	idIndex.Set(device.ID, device.DeviceKey)
	if err := save(); err != nil {
		devices.Remove(device.DeviceKey)
		idIndex.Remove(device.ID)
		return nil, err
	}
	if events != nil {
		events.Publish(hub.ClassOperator, modules.EventDeviceConnected, map[string]any{
			`device_id`: device.ID,
			`name`:      device.Name,
		})
	}
	common.Info(nil, `DEVICE_APPROVE`, `success`, ``, map[string]any{
		`device_id`: device.ID,
		`name`:      device.Name,
	})
	return snapshot(device), nil
}

// Revoke removes one device. The removal is visible to concurrent
// Authorize calls before this returns, so the next request from the
// device fails with revoked_credential.
func Revoke(deviceID string) bool {
	key, ok := idIndex.Pop(deviceID)
	if !ok {
		return false
	}
	devices.Remove(key)
	revoked.Set(key, utils.Unix)
	if err := save(); err != nil {
		common.Warn(nil, `REGISTRY_SAVE`, `fail`, err.Error(), map[string]any{`device_id`: deviceID})
	}
	if events != nil {
		events.CloseOwner(hub.ClassDevice, deviceID)
		events.Publish(hub.ClassOperator, modules.EventDeviceDisconnected, map[string]any{
			`device_id`: deviceID,
		})
	}
	common.Info(nil, `DEVICE_REVOKE`, `success`, ``, map[string]any{`device_id`: deviceID})
	return true
}

// RevokeAll clears the registry atomically and returns the count.
func RevokeAll() int {
	ids := make([]string, 0, idIndex.Count())
	idIndex.IterCb(func(id, key string) bool {
		ids = append(ids, id)
		revoked.Set(key, utils.Unix)
		return true
	})
	devices.Clear()
	idIndex.Clear()
	if err := save(); err != nil {
		common.Warn(nil, `REGISTRY_SAVE`, `fail`, err.Error(), nil)
	}
	for _, id := range ids {
		if events != nil {
			events.CloseOwner(hub.ClassDevice, id)
			events.Publish(hub.ClassOperator, modules.EventDeviceDisconnected, map[string]any{
				`device_id`: id,
			})
		}
	}
	common.Info(nil, `DEVICE_REVOKE_ALL`, `success`, ``, map[string]any{`count`: len(ids)})
	return len(ids)
}

// Get returns the device with the given id.
func Get(deviceID string) (*modules.Device, bool) {
	key, ok := idIndex.Get(deviceID)
	if !ok {
		return nil, false
	}
	device, ok := devices.Get(key)
	if !ok {
		return nil, false
	}
	return snapshot(device), true
}

// List returns read-only snapshots of every paired device.
func List() []*modules.Device {
	list := make([]*modules.Device, 0, devices.Count())
	devices.IterCb(func(key string, device *modules.Device) bool {
		list = append(list, snapshot(device))
		return true
	})
	return list
}

// Count returns the number of paired devices.
func Count() int {
	return devices.Count()
}

// Reset drops all in-memory state; tests only.
func Reset() {
	devices.Clear()
	idIndex.Clear()
	revoked.Clear()
	os.Remove(registryPath())
}

// snapshot copies a device so handlers never hold a mutable reference
// into the registry.
func snapshot(device *modules.Device) *modules.Device {
	copied := *device
	return &copied
}
