// Package portalloc reserves free local TCP ports for the protocol socket,
// HTTP proxy, and RPC proxy (§4.1 step 1, C1).
//
// Grounded on internal/router's AllocatePort: bind to "127.0.0.1:0" to let
// the kernel pick a free port, with a retry loop for the rare collision
// between picking the port and binding it for real use.
package portalloc

import (
	"fmt"
	"net"
)

// Pick binds an ephemeral TCP listener on loopback, reads back the port the
// kernel assigned, and closes the listener immediately — the caller is
// expected to bind the real listener on that port shortly after. This is a
// best-effort reservation: a concurrent process could still steal the port
// in between, which is why callers should retry on bind failure.
func Pick() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("pick free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

// PickN reserves n distinct free ports in one pass, retrying on collision
// until it has n unique values or attempts run out.
func PickN(n int) ([]int, error) {
	seen := make(map[int]bool, n)
	ports := make([]int, 0, n)

	for attempts := 0; len(ports) < n && attempts < n*10+10; attempts++ {
		p, err := Pick()
		if err != nil {
			return nil, err
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	if len(ports) < n {
		return nil, fmt.Errorf("could not reserve %d distinct free ports", n)
	}
	return ports, nil
}

// Bind tries once to bind a TCP listener on the given port (if positive);
// on collision it falls back to up to five attempts on a kernel-assigned
// free port — mirroring the "pick, bind, and fall back on collision" design
// note.
func Bind(preferredPort int) (net.Listener, error) {
	if preferredPort > 0 {
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferredPort)); err == nil {
			return ln, nil
		}
	}
	for attempt := 0; attempt < 5; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("bind: exhausted retries after collisions on port %d", preferredPort)
}
