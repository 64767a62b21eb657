package main

import (
	"errors"
	"net"
)

var (
	ErrNoIPv4      = errors.New("no usable ipv4 address found")
	ErrInvalidIPv4 = errors.New("not an ipv4 address")
)

// advertiseIP picks the address other peers should use to reach us.
func advertiseIP(flag string) (net.IP, error) {
	if flag != "" {
		ip := net.ParseIP(flag).To4()
		if ip == nil {
			return nil, ErrInvalidIPv4
		}
		return ip, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, errors.Join(ErrNoIPv4, err)
	}
	return pickIPv4(addrs)
}

// pickIPv4 returns the first global unicast ipv4 address, preferring
// private ones.
func pickIPv4(addrs []net.Addr) (net.IP, error) {
	var public net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || !ip.IsGlobalUnicast() {
			continue
		}
		if ip.IsPrivate() {
			return ip, nil
		}
		if public == nil {
			public = ip
		}
	}
	if public == nil {
		return nil, ErrNoIPv4
	}
	return public, nil
}
