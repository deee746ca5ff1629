//go:build linux

package wren

import (
	"errors"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP binds addr with an explicit listen backlog, which net.Listen
// does not expose.
func listenTCP(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	if tcpAddr.IP == nil || tcpAddr.IP.IsUnspecified() && tcpAddr.IP.To4() == nil {
		// Wildcard: prefer a dual-stack socket, fall back to IPv4 where
		// IPv6 is unavailable.
		l, err := bindListen(unix.AF_INET6, &unix.SockaddrInet6{Port: tcpAddr.Port}, backlog, true)
		if errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.EADDRNOTAVAIL) {
			return bindListen(unix.AF_INET, &unix.SockaddrInet4{Port: tcpAddr.Port}, backlog, false)
		}
		return l, err
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		return bindListen(unix.AF_INET, &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: [4]byte(ip4)}, backlog, false)
	}
	return bindListen(unix.AF_INET6, &unix.SockaddrInet6{Port: tcpAddr.Port, Addr: [16]byte(tcpAddr.IP.To16())}, backlog, false)
}

func bindListen(family int, sa unix.Sockaddr, backlog int, dualStack bool) (net.Listener, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if dualStack {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return nil, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	f := os.NewFile(uintptr(fd), "smtp-listener")
	defer f.Close()
	return net.FileListener(f)
}
