//go:build !linux

package net

import "net"

func findInterface(ifaceName string) (*net.Interface, error) {
	return findInterfaceNoNetlink(ifaceName)
}

func interfaceIPNets(iface *net.Interface) ([]*net.IPNet, error) {
	return stdlibIPNets(iface)
}
