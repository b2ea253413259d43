package gateway

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
)

// LinkStatus reads active WireGuard interfaces from the kernel link table.
type LinkStatus struct {
	handle *netlink.Handle
}

// NewLinkStatus opens a netlink handle in the current namespace.
func NewLinkStatus() (*LinkStatus, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &LinkStatus{handle: h}, nil
}

// ActiveInterfaces lists administratively up links of type wireguard.
func (l *LinkStatus) ActiveInterfaces(_ context.Context) ([]string, error) {
	links, err := l.handle.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	var names []string
	for _, link := range links {
		attrs := link.Attrs()
		if link.Type() == "wireguard" && attrs.Flags&net.FlagUp != 0 {
			names = append(names, attrs.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the netlink sockets.
func (l *LinkStatus) Close() {
	l.handle.Close()
}
