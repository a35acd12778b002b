package sysinfo

import (
	"context"
	"slices"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/shirou/gopsutil/v3/net"
)

// Adapter is one network interface as shown by the network info tool.
type Adapter struct {
	Name      string
	MAC       string
	Addresses []string
	Up        bool
	MTU       int
}

// NetworkAdapters lists the machine's network interfaces, loopback excluded.
func NetworkAdapters(ctx context.Context) ([]Adapter, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list network interfaces")
	}
	return adaptersFrom(ifaces), nil
}

func adaptersFrom(ifaces net.InterfaceStatList) []Adapter {
	out := make([]Adapter, 0, len(ifaces))
	for _, i := range ifaces {
		if slices.Contains(i.Flags, "loopback") {
			continue
		}
		a := Adapter{
			Name: i.Name,
			MAC:  i.HardwareAddr,
			Up:   slices.Contains(i.Flags, "up"),
			MTU:  i.MTU,
		}
		for _, addr := range i.Addrs {
			a.Addresses = append(a.Addresses, addr.Addr)
		}
		out = append(out, a)
	}
	return out
}
