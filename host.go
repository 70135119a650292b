package dht

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Host is a routing record for a peer node. Hosts are owned by the routing
// table and passed by value over the wire inside NODELIST messages.
type Host struct {
	Address string `json:"addr"`
	Port    int    `json:"port"`
	UID     UID    `json:"uid"`
}

// NewHost validates the fields and builds a Host. A uid that is not valid
// base64 is re-encoded; internally derived UIDs never take that path.
func NewHost(addr string, port int, uid string) (Host, error) {
	if addr == "" {
		return Host{}, errors.New("host: empty address")
	}
	if uid == "" {
		return Host{}, errors.New("host: empty uid")
	}
	if port < 0 {
		return Host{}, errors.Errorf("host: negative port %d", port)
	}
	return Host{Address: addr, Port: port, UID: coerceUID(uid)}, nil
}

func (h Host) hostPort() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}
