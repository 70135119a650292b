package dht

import (
	"expvar"
	"net"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
)

// serve accepts inbound connections until the node stops. Each accepted
// connection is handled in its own goroutine so slow peers never block
// accept. Accept failures are logged and the loop retries unless the
// listener itself is gone.
func (d *DHT) serve(ln net.Listener) {
	go func() {
		<-d.stop
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("DHT: accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go d.handleConn(conn)
	}
}

// handleConn processes exactly one inbound message: read to EOF, decode
// strictly, learn the sender, dispatch, optionally reply. Malformed
// payloads are logged and dropped without a reply.
func (d *DHT) handleConn(conn net.Conn) {
	defer conn.Close()
	totalAcceptedConns.Add(1)

	if ip := remoteIP(conn); ip != "" && !d.throttle.CheckBlock(ip) {
		totalThrottledConns.Add(1)
		return
	}

	buf := frameArena.Pop()
	defer frameArena.Push(buf)
	payload, err := readFrame(conn, buf)
	if err != nil {
		log.V(2).Infof("DHT: read from %v: %v", conn.RemoteAddr(), err)
		return
	}
	if len(payload) == 0 {
		return
	}
	m, err := decodeMessage(payload)
	if err != nil {
		totalMalformedPayloads.Add(1)
		log.Warningf("DHT: dropping malformed message from %v: %v", conn.RemoteAddr(), err)
		return
	}

	// Learn the sender before dispatching, so a reply always reflects a
	// table that already contains the caller.
	if peer, err := NewHost(m.sourceAddress, m.sourcePort, string(d.senderUID(m.sourceAddress, m.sourcePort))); err == nil {
		d.rt.addHost(peer)
	}

	var reply *message
	switch m.kind {
	case msgFindNode:
		totalRecvFindNode.Add(1)
		reply = d.nodeListFor(m.targetUID)
	case msgFindValue:
		totalRecvFindValue.Add(1)
		if v, ok := d.kv.value(m.targetUID); ok {
			reply = &message{
				kind:          msgValue,
				sourceAddress: d.self.Address,
				sourcePort:    d.self.Port,
				key:           string(m.targetUID),
				value:         v,
			}
		} else {
			reply = d.nodeListFor(m.targetUID)
		}
	case msgStore:
		totalRecvStore.Add(1)
		d.kv.putCached(UID(m.key), m.value)
	case msgPing:
		totalRecvPing.Add(1)
		reply = &message{kind: msgPong, sourceAddress: d.self.Address, sourcePort: d.self.Port}
	case msgNodeList:
		totalRecvNodeList.Add(1)
		d.rt.addHosts(m.hosts)
	case msgValue:
		totalRecvValue.Add(1)
		d.kv.putCached(UID(m.key), m.value)
	case msgPong:
		// Unsolicited; the sender was already learned above.
	}

	if reply != nil {
		if err := writeMessage(conn, reply); err != nil {
			log.V(2).Infof("DHT: reply to %v: %v", conn.RemoteAddr(), err)
		}
	}
}

func (d *DHT) nodeListFor(target UID) *message {
	return &message{
		kind:          msgNodeList,
		sourceAddress: d.self.Address,
		sourcePort:    d.self.Port,
		hosts:         d.rt.kClosest(target, k),
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

var (
	totalAcceptedConns     = expvar.NewInt("totalAcceptedConns")
	totalThrottledConns    = expvar.NewInt("totalThrottledConns")
	totalMalformedPayloads = expvar.NewInt("totalMalformedPayloads")
	totalRecvFindNode      = expvar.NewInt("totalRecvFindNode")
	totalRecvFindValue     = expvar.NewInt("totalRecvFindValue")
	totalRecvStore         = expvar.NewInt("totalRecvStore")
	totalRecvPing          = expvar.NewInt("totalRecvPing")
	totalRecvNodeList      = expvar.NewInt("totalRecvNodeList")
	totalRecvValue         = expvar.NewInt("totalRecvValue")
)
