package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceReader abstracts read-only WireGuard device queries for testability.
type DeviceReader interface {
	// Device returns the named device. A missing device is reported as an
	// error satisfying errors.Is(err, os.ErrNotExist).
	Device(name string) (*wgtypes.Device, error)
}

// WgctrlReader implements DeviceReader using wgctrl.
// A new wgctrl client is created per call to avoid stale netlink socket
// issues across long-lived instances.
type WgctrlReader struct{}

// NewWgctrlReader returns a new WgctrlReader.
func NewWgctrlReader() *WgctrlReader {
	return &WgctrlReader{}
}

// Device returns the named WireGuard device.
func (WgctrlReader) Device(name string) (*wgtypes.Device, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wireguard: open wgctrl: %w", err)
	}
	defer client.Close()

	dev, err := client.Device(name)
	if err != nil {
		return nil, fmt.Errorf("wireguard: device %s: %w", name, err)
	}
	return dev, nil
}
