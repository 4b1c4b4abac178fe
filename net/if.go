package net

import (
	"fmt"
	"net"
	"time"
)

// EnsureInterface waits up to `wait` seconds for the named interface to
// exist and be up (-1 waits forever, 0 doesn't wait).
func EnsureInterface(ifaceName string, wait int) (iface *net.Interface, err error) {
	if iface, err = findInterface(ifaceName); err == nil || wait == 0 {
		return
	}
	for ; err != nil && wait != 0; wait-- {
		time.Sleep(1 * time.Second)
		iface, err = findInterface(ifaceName)
	}
	return
}

// MulticastInterfaces returns the interfaces that are up and support
// multicast, skipping loopback.
func MulticastInterfaces() ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var result []net.Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		result = append(result, ifi)
	}
	return result, nil
}

// InterfaceAddrs returns the first usable IPv4 and IPv6 addresses of iface.
// Either may be nil.
func InterfaceAddrs(iface *net.Interface) (v4, v6 net.IP, err error) {
	ipnets, err := interfaceIPNets(iface)
	if err != nil {
		return nil, nil, err
	}
	v4, v6 = pickAddrs(ipnets)
	return v4, v6, nil
}

func stdlibIPNets(iface *net.Interface) ([]*net.IPNet, error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	var ipnets []*net.IPNet
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			ipnets = append(ipnets, ipnet)
		}
	}
	return ipnets, nil
}

func findInterfaceNoNetlink(ifaceName string) (*net.Interface, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("Unable to find interface %s", ifaceName)
	}
	if 0 == (net.FlagUp & iface.Flags) {
		return nil, fmt.Errorf("Interface %s is not up", ifaceName)
	}
	return iface, nil
}

// Prefers global IPv6 over link-local; any IPv4 other than loopback.
func pickAddrs(ipnets []*net.IPNet) (v4, v6 net.IP) {
	var linkLocal6 net.IP
	for _, ipnet := range ipnets {
		if ipnet == nil || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
			continue
		}
		if ipnet.IP.IsLinkLocalUnicast() {
			if linkLocal6 == nil {
				linkLocal6 = ipnet.IP
			}
		} else if v6 == nil {
			v6 = ipnet.IP
		}
	}
	if v6 == nil {
		v6 = linkLocal6
	}
	return
}
