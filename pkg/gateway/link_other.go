//go:build !linux

package gateway

import (
	"context"
	"errors"
)

// LinkStatus is only available on Linux.
type LinkStatus struct{}

func NewLinkStatus() (*LinkStatus, error) {
	return nil, errors.New("netlink status source requires linux")
}

func (l *LinkStatus) ActiveInterfaces(context.Context) ([]string, error) {
	return nil, errors.New("netlink status source requires linux")
}

func (l *LinkStatus) Close() {}
