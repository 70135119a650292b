// DHT node for cooperative key/value storage over a dynamic peer network.
//
// Each node exposes a local put/lookup interface while serving the DHT
// wire protocol to peers. Routing follows Kademlia-style k-buckets over
// 160-bit identifiers with XOR distance as the proximity metric.

package dht

// Summary of the protocol:
//
// RPCs:
//      PING/PONG:
//         liveness probe; unreachable peers are evicted by the pinger.
//      FINDNODE -> NODELIST:
//         ask a peer for the k nodes it knows nearest a target id. Used
//         once at startup to join through the bootstrap node.
//      FINDVALUE -> VALUE | NODELIST:
//         ask a peer for the value stored at an id; a miss returns the
//         peer's nearest nodes instead.
//      STORE:
//         unsolicited one-way placement of an (id, value) pair, sent by
//         put and re-sent periodically by the replicator.
//
// Every message carries the sender's address and port; receivers derive
// the sender's id from them and fold the sender into the routing table,
// which is how the table grows outside the bootstrap exchange.

import (
	"expvar"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
	"github.com/nictuku/nettools"
	"github.com/pkg/errors"
)

const (
	// Replication/width factor: closest-peer fan-out for STORE and
	// FINDVALUE, and the per-bucket capacity.
	k = 3

	pingInterval       = 20 * time.Second
	replicateInterval  = 60 * time.Second
	pingConnectTimeout = 10 * time.Second
	pingReadTimeout    = 10 * time.Second

	// Bounded memo of (addr, port) -> UID derivations for inbound senders.
	maxUIDCacheEntries = 4096
)

// ErrNotFound is returned by Get when neither the local store nor any of
// the k closest peers holds the key.
var ErrNotFound = errors.New("dht: value not found")

// DHT is a single node: a local key/value store, a routing table of known
// peers, an inbound service loop and the periodic pinger and replicator.
// Create it with New and start it with Run.
type DHT struct {
	config Config
	self   Host
	rt     *routingTable
	kv     *keyValueStore

	stop     chan struct{}
	stopOnce sync.Once

	throttle *nettools.ClientThrottle

	uidMu    sync.Mutex
	uidCache *lru.Cache
}

// New creates a node from cfg. The node UID is derived from the listen
// address and port; it is never configured.
func New(cfg *Config) (*DHT, error) {
	if cfg.Address == "" {
		return nil, errors.New("dht: empty listen address")
	}
	if cfg.Port < 0 {
		return nil, errors.Errorf("dht: negative listen port %d", cfg.Port)
	}
	self, err := NewHost(cfg.Address, cfg.Port, string(NodeUID(cfg.Address, cfg.Port)))
	if err != nil {
		return nil, errors.Wrap(err, "dht: listen host")
	}
	d := &DHT{
		config:   *cfg,
		self:     self,
		rt:       newRoutingTable(self.UID, k),
		kv:       newKeyValueStore(),
		stop:     make(chan struct{}),
		throttle: nettools.NewThrottler(),
		uidCache: lru.New(maxUIDCacheEntries),
	}
	return d, nil
}

// Run binds the listener, performs the bootstrap join if one is
// configured, and starts the service, pinger and replicator loops. A bind
// failure is logged and leaves the node running but unable to serve
// peers. Run returns once the node is started; put and lookup are then
// driven synchronously by the caller.
func (d *DHT) Run() {
	ln, err := net.Listen("tcp", d.self.hostPort())
	if err != nil {
		log.Errorf("DHT: failed to bind %s: %v", d.self.hostPort(), err)
	} else {
		if d.config.Port == 0 {
			// Automatic port assignment: re-derive the node UID from
			// the port we actually got before anyone learns about us.
			d.config.Port = ln.Addr().(*net.TCPAddr).Port
			d.self.Port = d.config.Port
			d.self.UID = NodeUID(d.self.Address, d.self.Port)
			d.rt = newRoutingTable(d.self.UID, k)
		}
		log.Infof("DHT: starting node %s on %s", d.self.UID, d.self.hostPort())
		go d.serve(ln)
	}

	d.bootstrap()

	go d.pingerLoop()
	go d.replicatorLoop()
}

// Stop terminates the background loops and the listener.
func (d *DHT) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.throttle.Stop()
		log.Flush()
	})
}

// UID returns the node's own identifier.
func (d *DHT) UID() UID { return d.self.UID }

// Port returns the port number the node serves on. This is useful when
// initialising the node with port 0, i.e. automatic port assignment, in
// order to retrieve the actual port number used.
func (d *DHT) Port() int { return d.config.Port }

// RoutesDump renders the routing table for the CLI.
func (d *DHT) RoutesDump() string { return d.rt.dumpRoutes() }

// StoreDump renders the local key/value store for the CLI.
func (d *DHT) StoreDump() string { return d.kv.dump() }

// Put stores the pair locally under base64(SHA1(key)) and sends STORE to
// the k closest known peers. Per-peer delivery failures are logged and do
// not abort the remaining sends; no responses are expected.
func (d *DHT) Put(key, value string) error {
	if key == "" || value == "" {
		return errors.New("dht: empty key or value")
	}
	id := KeyUID(key)
	d.kv.put(id, key, value)
	for _, peer := range d.rt.kClosest(id, k) {
		if err := d.sendStore(peer, id, value); err != nil {
			log.Errorf("DHT: STORE to %s failed: %v", peer.hostPort(), err)
		}
	}
	return nil
}

// Get looks the key up locally first and otherwise queries the k closest
// known peers in one round. A VALUE hit is cached locally (without the
// original key) and returned; a NODELIST folds the peer's closer nodes
// into the routing table for future calls. The engine does not contact
// newly learned peers within this call.
func (d *DHT) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("dht: empty key")
	}
	id := KeyUID(key)
	if v, ok := d.kv.value(id); ok {
		return v, nil
	}
	for _, peer := range d.rt.kClosest(id, k) {
		v, ok, err := d.findValueFrom(peer, id)
		if err != nil {
			log.Errorf("DHT: FINDVALUE to %s failed: %v", peer.hostPort(), err)
			continue
		}
		if ok {
			d.kv.putCached(id, v)
			return v, nil
		}
	}
	return "", ErrNotFound
}

// sendStore delivers one fire-and-forget STORE.
func (d *DHT) sendStore(peer Host, id UID, value string) error {
	conn, err := net.Dial("tcp", peer.hostPort())
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	totalSentStore.Add(1)
	return writeMessage(conn, &message{
		kind:          msgStore,
		sourceAddress: d.self.Address,
		sourcePort:    d.self.Port,
		key:           string(id),
		value:         value,
	})
}

// findValueFrom runs one FINDVALUE exchange. ok reports whether the peer
// returned the value.
func (d *DHT) findValueFrom(peer Host, id UID) (value string, ok bool, err error) {
	conn, err := net.Dial("tcp", peer.hostPort())
	if err != nil {
		return "", false, errors.Wrap(err, "dial")
	}
	defer conn.Close()
	totalSentFindValue.Add(1)
	req := &message{
		kind:          msgFindValue,
		sourceAddress: d.self.Address,
		sourcePort:    d.self.Port,
		targetUID:     id,
	}
	if err := writeMessage(conn, req); err != nil {
		return "", false, err
	}
	resp, err := readMessage(conn)
	if err != nil {
		return "", false, err
	}
	switch resp.kind {
	case msgValue:
		return resp.value, true, nil
	case msgNodeList:
		d.rt.addHosts(resp.hosts)
	}
	return "", false, nil
}

// bootstrap seeds the routing table from the configured bootstrap node:
// the seed host itself, then whatever a FINDNODE for our own UID returns.
// Errors are logged and never prevent startup; the node simply begins
// with a nearly-empty table.
func (d *DHT) bootstrap() {
	addr, port := d.config.BootstrapAddr, d.config.BootstrapPort
	if addr == "" || port <= 0 {
		return
	}
	boot, err := NewHost(addr, port, string(NodeUID(addr, port)))
	if err != nil {
		log.Errorf("DHT: bad bootstrap host %s:%d: %v", addr, port, err)
		return
	}
	d.rt.addHost(boot)

	conn, err := net.Dial("tcp", boot.hostPort())
	if err != nil {
		log.Errorf("DHT: bootstrap dial %s: %v", boot.hostPort(), err)
		return
	}
	defer conn.Close()
	totalSentFindNode.Add(1)
	req := &message{
		kind:          msgFindNode,
		sourceAddress: d.self.Address,
		sourcePort:    d.self.Port,
		targetUID:     d.self.UID,
	}
	if err := writeMessage(conn, req); err != nil {
		log.Errorf("DHT: bootstrap FINDNODE to %s: %v", boot.hostPort(), err)
		return
	}
	resp, err := readMessage(conn)
	if err != nil {
		log.Errorf("DHT: bootstrap response from %s: %v", boot.hostPort(), err)
		return
	}
	if resp.kind == msgNodeList {
		d.rt.addHosts(resp.hosts)
		log.V(2).Infof("DHT: bootstrap learned %d hosts", len(resp.hosts))
	}
}

// senderUID returns NodeUID(addr, port), memoized because the
// learn-on-every-contact rule would otherwise hash on each inbound
// message.
func (d *DHT) senderUID(addr string, port int) UID {
	key := net.JoinHostPort(addr, strconv.Itoa(port))
	d.uidMu.Lock()
	if v, ok := d.uidCache.Get(key); ok {
		d.uidMu.Unlock()
		return v.(UID)
	}
	d.uidMu.Unlock()
	u := NodeUID(addr, port)
	d.uidMu.Lock()
	d.uidCache.Add(key, u)
	d.uidMu.Unlock()
	return u
}

var (
	totalSentStore     = expvar.NewInt("totalSentStore")
	totalSentFindNode  = expvar.NewInt("totalSentFindNode")
	totalSentFindValue = expvar.NewInt("totalSentFindValue")
)
