package api

import (
	"fmt"
	"net"
	"strings"
)

// Listen opens a listener for a bind specification. Supported forms:
//
//	*:PORT            all interfaces
//	HOST:PORT         one interface
//	unix:PATH         filesystem unix socket
//	unix-abstract:NAME abstract-namespace unix socket
func Listen(bind string) (net.Listener, error) {
	network, addr, err := splitBind(bind)
	if err != nil {
		return nil, err
	}
	return net.Listen(network, addr)
}

func splitBind(bind string) (network, addr string, err error) {
	switch {
	case strings.HasPrefix(bind, "unix-abstract:"):
		name := strings.TrimPrefix(bind, "unix-abstract:")
		if name == "" {
			return "", "", fmt.Errorf("empty abstract socket name in %q", bind)
		}
		return "unix", "\x00" + name, nil
	case strings.HasPrefix(bind, "unix:"):
		path := strings.TrimPrefix(bind, "unix:")
		if path == "" {
			return "", "", fmt.Errorf("empty unix socket path in %q", bind)
		}
		return "unix", path, nil
	case strings.HasPrefix(bind, "*:"):
		return "tcp", strings.TrimPrefix(bind, "*"), nil
	case strings.Contains(bind, ":"):
		return "tcp", bind, nil
	default:
		return "", "", fmt.Errorf("unparseable bind address %q", bind)
	}
}
