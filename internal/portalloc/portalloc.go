// Package portalloc discovers loopback TCP ports that are currently
// bindable, for handing to a worker subprocess.
package portalloc

import (
	"net"
	"strconv"

	"github.com/ollamapool/cluster/internal/clustererr"
)

// maxAttempts bounds the bind-read-release-reverify loop before giving up.
const maxAttempts = 10

// Alloc asks the OS to bind loopback port 0, reads back the port the OS
// chose, releases it, then reverifies that the same port can be rebound
// before returning it. Callers still race a TOCTOU window between this call
// returning and the subprocess actually binding the port; the supervisor
// tolerates that by marking the worker dead (and reaping it) if the
// subprocess fails to start.
func Alloc() (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := tryAlloc()
		if err == nil {
			return port, nil
		}
		lastErr = err
	}
	return 0, clustererr.Wrap(clustererr.KindPortUnavailable, lastErr, "no bindable loopback port found after %d attempts", maxAttempts)
}

func tryAlloc() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	reln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	reln.Close()

	return port, nil
}
