package dht

import (
	"expvar"
	"net"
	"time"

	log "github.com/golang/glog"
)

// pingerLoop drives the liveness checks: the first run fires pingInterval
// after startup, and each next run is armed pingInterval after the prior
// one completes - not on fixed wall-clock ticks.
func (d *DHT) pingerLoop() {
	for {
		select {
		case <-d.stop:
			return
		case <-time.After(pingInterval):
		}
		d.pingAllPeers()
	}
}

// pingAllPeers probes every known peer once, sequentially, and evicts the
// unreachable ones. The snapshot is taken up front; one peer's failure
// never affects another's probe.
func (d *DHT) pingAllPeers() {
	seen := make(map[UID]bool)
	for _, peer := range d.rt.allHosts() {
		if seen[peer.UID] {
			continue
		}
		seen[peer.UID] = true
		if d.ping(peer) {
			continue
		}
		d.rt.removeHost(peer.UID)
		totalEvictedPeers.Add(1)
		log.Warningf("DHT: removed unreachable peer %s", peer.hostPort())
	}
}

// ping reports whether the peer answered a PING with a well-formed PONG
// within the probe timeouts. Any connect, read or parse failure counts as
// unreachable.
func (d *DHT) ping(peer Host) bool {
	conn, err := net.DialTimeout("tcp", peer.hostPort(), pingConnectTimeout)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pingReadTimeout))

	totalSentPing.Add(1)
	req := &message{kind: msgPing, sourceAddress: d.self.Address, sourcePort: d.self.Port}
	if err := writeMessage(conn, req); err != nil {
		return false
	}
	resp, err := readMessage(conn)
	return err == nil && resp.kind == msgPong
}

var (
	totalSentPing     = expvar.NewInt("totalSentPing")
	totalEvictedPeers = expvar.NewInt("totalEvictedPeers")
)
