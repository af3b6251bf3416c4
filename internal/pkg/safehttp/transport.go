// Package safehttp provides HTTP clients for calls that leave the device.
//
// Cloud providers are configured with operator supplied base URLs. The
// transport here refuses to dial loopback, private or link-local addresses
// so a misconfigured provider cannot be pointed at services on the host or
// its network.
package safehttp

import (
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// PublicIP reports whether ip may be dialed by an external provider client.
func PublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast())
}

// control runs after name resolution and before connect, so every resolved
// address is checked, including ones reached through redirects.
func control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("safehttp: cannot parse address %q", address)
	}
	if !PublicIP(ip) {
		return fmt.Errorf("safehttp: access to non-public address %s is denied", ip)
	}
	return nil
}

// NewTransport returns a transport that only dials public addresses.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   control,
	}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewClient returns a client using NewTransport. A zero timeout leaves
// deadlines to the request context.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(), Timeout: timeout}
}
