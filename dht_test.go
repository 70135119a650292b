package dht

import (
	"io"
	"net"
	"testing"
	"time"
)

// newTestNode starts a node on an automatically assigned localhost port,
// optionally joining through boot.
func newTestNode(t *testing.T, boot *DHT) *DHT {
	t.Helper()
	cfg := &Config{Address: "127.0.0.1", Port: 0}
	if boot != nil {
		cfg.BootstrapAddr = "127.0.0.1"
		cfg.BootstrapPort = boot.Port()
	}
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Run()
	t.Cleanup(d.Stop)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasPeer(d *DHT, uid UID) bool {
	for _, h := range d.rt.allHosts() {
		if h.UID == uid {
			return true
		}
	}
	return false
}

func TestJoinPopulatesBothTables(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, a)

	// b inserted a during bootstrap; a learned b from the FINDNODE's
	// source fields before replying.
	if !hasPeer(b, a.UID()) {
		t.Errorf("joining node does not know the bootstrap")
	}
	waitFor(t, "bootstrap to learn the joiner", func() bool { return hasPeer(a, b.UID()) })

	peer := a.rt.allHosts()[0]
	if peer.Address != "127.0.0.1" || peer.Port != b.Port() {
		t.Errorf("learned host is %s:%d, wanted 127.0.0.1:%d", peer.Address, peer.Port, b.Port())
	}
	if peer.UID != NodeUID("127.0.0.1", b.Port()) {
		t.Errorf("learned host uid mismatch")
	}
}

func TestPutReplicatesToClosestPeers(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, a)

	if err := b.Put("hello", "world"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	id := KeyUID("hello")
	if v, ok := b.kv.value(id); !ok || v != "world" {
		t.Fatalf("local store after Put: %q, %v", v, ok)
	}
	if orig, ok := b.kv.originalKey(id); !ok || orig != "hello" {
		t.Fatalf("original key after Put: %q, %v", orig, ok)
	}
	// STORE is one-way; the receiver applies it after the connection
	// drains.
	waitFor(t, "STORE to reach the peer", func() bool { return a.kv.contains(id) })
	if v, _ := a.kv.value(id); v != "world" {
		t.Errorf("replicated value = %q", v)
	}
	if _, ok := a.kv.originalKey(id); ok {
		t.Errorf("STORE carried an original key")
	}
}

func TestLookupRemoteHitIsCached(t *testing.T) {
	a := newTestNode(t, nil)
	if err := a.Put("hello", "world"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c := newTestNode(t, a)
	v, err := c.Get("hello")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "world" {
		t.Fatalf("Get = %q, wanted world", v)
	}
	// The remote hit is cached locally, without the original key.
	if !c.kv.contains(KeyUID("hello")) {
		t.Errorf("remote hit was not cached")
	}
	if _, ok := c.kv.originalKey(KeyUID("hello")); ok {
		t.Errorf("cached entry has an original key")
	}
	// Second lookup is a local hit even with the network gone.
	a.Stop()
	if v, err := c.Get("hello"); err != nil || v != "world" {
		t.Errorf("local re-lookup = %q, %v", v, err)
	}
}

func TestThreeNodeLookup(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, a)

	if err := b.Put("hello", "world"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	waitFor(t, "STORE to reach the bootstrap", func() bool { return a.kv.contains(KeyUID("hello")) })

	c := newTestNode(t, a)
	v, err := c.Get("hello")
	if err != nil {
		t.Fatalf("Get on third node: %v", err)
	}
	if v != "world" {
		t.Fatalf("Get = %q, wanted world", v)
	}
}

func TestGetMissWithoutPeers(t *testing.T) {
	a := newTestNode(t, nil)
	if _, err := a.Get("nope"); err != ErrNotFound {
		t.Errorf("Get = %v, wanted ErrNotFound", err)
	}
}

func TestPutWithoutPeersIsLocalOnly(t *testing.T) {
	a := newTestNode(t, nil)
	if err := a.Put("k1", "v1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok := a.kv.value(KeyUID("k1")); !ok || v != "v1" {
		t.Errorf("local store = %q, %v", v, ok)
	}
}

func TestInputValidation(t *testing.T) {
	a := newTestNode(t, nil)
	if err := a.Put("", "v"); err == nil {
		t.Error("Put accepted an empty key")
	}
	if err := a.Put("k", ""); err == nil {
		t.Error("Put accepted an empty value")
	}
	if _, err := a.Get(""); err == nil || err == ErrNotFound {
		t.Errorf("Get(\"\") = %v, wanted a validation error", err)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	a := newTestNode(t, nil)

	conn, err := net.Dial("tcp", a.self.hostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Write([]byte("{this is not json"))
	conn.(*net.TCPConn).CloseWrite()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if b, err := io.ReadAll(conn); err != nil || len(b) != 0 {
		t.Errorf("malformed payload got a response: %q, %v", b, err)
	}
	conn.Close()

	// A well-formed request from the same address still succeeds.
	conn2, err := net.Dial("tcp", a.self.hostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	conn2.SetReadDeadline(time.Now().Add(5 * time.Second))
	ping := &message{kind: msgPing, sourceAddress: "127.0.0.1", sourcePort: 45678}
	if err := writeMessage(conn2, ping); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	resp, err := readMessage(conn2)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if resp.kind != msgPong {
		t.Errorf("reply = %s, wanted PONG", resp.kind)
	}
}

func TestFindValueMissReturnsNodeList(t *testing.T) {
	a := newTestNode(t, nil)

	conn, err := net.Dial("tcp", a.self.hostPort())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	req := &message{
		kind:          msgFindValue,
		sourceAddress: "127.0.0.1",
		sourcePort:    45679,
		targetUID:     KeyUID("absent"),
	}
	if err := writeMessage(conn, req); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	resp, err := readMessage(conn)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if resp.kind != msgNodeList {
		t.Fatalf("reply = %s, wanted NODELIST", resp.kind)
	}
	// The sender itself was learned before the reply was built.
	if !hasPeer(a, NodeUID("127.0.0.1", 45679)) {
		t.Errorf("sender was not folded into the routing table")
	}
}

func TestPingerKeepsLivePeersAndEvictsDeadOnes(t *testing.T) {
	a := newTestNode(t, nil)
	b := newTestNode(t, a)
	waitFor(t, "join", func() bool { return hasPeer(a, b.UID()) })

	// A dead peer: nothing listens on the port.
	dead, err := NewHost("127.0.0.1", 9, string(NodeUID("127.0.0.1", 9)))
	if err != nil {
		t.Fatal(err)
	}
	a.rt.addHost(dead)

	a.pingAllPeers()

	if hasPeer(a, dead.UID) {
		t.Errorf("unreachable peer survived a pinger run")
	}
	if !hasPeer(a, b.UID()) {
		t.Errorf("reachable peer was evicted")
	}
}
