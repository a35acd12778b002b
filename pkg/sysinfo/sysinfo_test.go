package sysinfo

import (
	"testing"

	"github.com/shirou/gopsutil/v3/net"
)

func TestDetectRecoveryOverride(t *testing.T) {
	if !DetectRecovery("true") {
		t.Error("override true should force recovery mode")
	}
	if DetectRecovery("FALSE") {
		t.Error("override false should disable recovery mode")
	}
}

func TestSystemDriveFromEnvironment(t *testing.T) {
	t.Setenv("SystemDrive", "D:")
	if got := SystemDrive(); got != "D:" {
		t.Errorf("SystemDrive() = %q, want D:", got)
	}
}

func TestAdaptersFromSkipsLoopback(t *testing.T) {
	got := adaptersFrom(net.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: net.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{
			Name:         "Ethernet",
			MTU:          1500,
			HardwareAddr: "00:11:22:33:44:55",
			Flags:        []string{"up", "broadcast", "multicast"},
			Addrs:        net.InterfaceAddrList{{Addr: "192.168.1.20/24"}, {Addr: "fe80::1/64"}},
		},
		{Name: "Wi-Fi", Flags: []string{"broadcast"}},
	})

	if len(got) != 2 {
		t.Fatalf("expected 2 adapters, got %d: %+v", len(got), got)
	}
	eth := got[0]
	if eth.Name != "Ethernet" || !eth.Up || eth.MAC != "00:11:22:33:44:55" || eth.MTU != 1500 {
		t.Errorf("unexpected adapter: %+v", eth)
	}
	if len(eth.Addresses) != 2 || eth.Addresses[0] != "192.168.1.20/24" {
		t.Errorf("addresses = %v", eth.Addresses)
	}
	if got[1].Up {
		t.Error("Wi-Fi without the up flag reported as up")
	}
}
