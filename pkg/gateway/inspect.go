package gateway

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// DeviceInfo is the live state of one WireGuard device.
type DeviceInfo struct {
	Name       string
	Type       string
	PublicKey  string
	ListenPort int
	Peers      []PeerInfo
}

// PeerInfo is the live state of one peer.
type PeerInfo struct {
	PublicKey     string
	Endpoint      netip.AddrPort // zero when the peer has no endpoint yet
	AllowedIPs    []netip.Prefix
	LastHandshake time.Time
	RxBytes       int64
	TxBytes       int64
}

// Endpoints returns the negotiated peer endpoints.
func (d *DeviceInfo) Endpoints() []netip.AddrPort {
	var eps []netip.AddrPort
	for _, p := range d.Peers {
		if p.Endpoint.IsValid() {
			eps = append(eps, p.Endpoint)
		}
	}
	return eps
}

// Inspector reads live device state.
type Inspector interface {
	Inspect(ctx context.Context, iface string) (*DeviceInfo, error)
}

// WGCtrl inspects devices through the kernel or userspace WireGuard API.
type WGCtrl struct {
	client *wgctrl.Client
}

// NewWGCtrl opens a wgctrl client.
func NewWGCtrl() (*WGCtrl, error) {
	c, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("wgctrl: %w", err)
	}
	return &WGCtrl{client: c}, nil
}

func (w *WGCtrl) Inspect(_ context.Context, iface string) (*DeviceInfo, error) {
	d, err := w.client.Device(iface)
	if err != nil {
		return nil, fmt.Errorf("wgctrl device %s: %w", iface, err)
	}
	return convertDevice(d), nil
}

// Close releases the client.
func (w *WGCtrl) Close() error {
	return w.client.Close()
}

func convertDevice(d *wgtypes.Device) *DeviceInfo {
	info := &DeviceInfo{
		Name:       d.Name,
		Type:       d.Type.String(),
		PublicKey:  d.PublicKey.String(),
		ListenPort: d.ListenPort,
	}
	for _, p := range d.Peers {
		pi := PeerInfo{
			PublicKey:     p.PublicKey.String(),
			LastHandshake: p.LastHandshakeTime,
			RxBytes:       p.ReceiveBytes,
			TxBytes:       p.TransmitBytes,
		}
		if p.Endpoint != nil {
			ap := p.Endpoint.AddrPort()
			pi.Endpoint = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
		for _, n := range p.AllowedIPs {
			if pfx, ok := prefixFromIPNet(n); ok {
				pi.AllowedIPs = append(pi.AllowedIPs, pfx)
			}
		}
		info.Peers = append(info.Peers, pi)
	}
	return info
}

func prefixFromIPNet(n net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	addr = addr.Unmap()
	if addr.Is4() && ones > 32 {
		ones -= 96
	}
	return netip.PrefixFrom(addr, ones), true
}
