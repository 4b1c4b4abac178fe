package net

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

func findInterface(ifaceName string) (*net.Interface, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("Unable to find interface %s", ifaceName)
	}
	attrs := link.Attrs()
	if 0 == (net.FlagUp & attrs.Flags) {
		return nil, fmt.Errorf("Interface %s is not up", ifaceName)
	}
	if 0 == (net.FlagMulticast & attrs.Flags) {
		return nil, fmt.Errorf("Interface %s does not support multicast", ifaceName)
	}
	return net.InterfaceByIndex(attrs.Index)
}

func interfaceIPNets(iface *net.Interface) ([]*net.IPNet, error) {
	link, err := netlink.LinkByIndex(iface.Index)
	if err != nil {
		// the link may live in another namespace from netlink's point of view
		return stdlibIPNets(iface)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	ipnets := make([]*net.IPNet, 0, len(addrs))
	for _, addr := range addrs {
		ipnets = append(ipnets, addr.IPNet)
	}
	return ipnets, nil
}
