package dht

import (
	"expvar"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	log "github.com/golang/glog"
)

// The table is a fixed array of 160 buckets; bucket i holds peers whose
// UIDs share exactly i leading bits with the local UID. The local UID is
// never stored.
const numBuckets = uidLen * 8

// bucket is an insertion-ordered list of up to k hosts, oldest first.
type bucket struct {
	hosts []Host
}

func newRoutingTable(self UID, k int) *routingTable {
	return &routingTable{
		self: self,
		k:    k,
	}
}

// routingTable organizes peers by shared-prefix distance from the local
// node. All public operations are serialized; the lock is never held
// across network I/O.
type routingTable struct {
	sync.Mutex
	self    UID
	k       int
	buckets [numBuckets]bucket
}

// addHost inserts or refreshes a peer. An existing entry with the same UID
// is replaced in place; a full bucket evicts its oldest entry. Liveness
// does not gate eviction here - removal is the pinger's job.
func (r *routingTable) addHost(h Host) {
	i := bucketIndex(r.self, h.UID)
	if i == -1 {
		return
	}
	if i < 0 || i >= numBuckets {
		panic(fmt.Sprintf("dht: bucket index %d out of range for uid %q", i, h.UID))
	}

	r.Lock()
	defer r.Unlock()
	b := &r.buckets[i]
	for j := range b.hosts {
		if b.hosts[j].UID == h.UID {
			b.hosts[j] = h
			return
		}
	}
	if len(b.hosts) < r.k {
		b.hosts = append(b.hosts, h)
		totalHostsAdded.Add(1)
		return
	}
	log.V(3).Infof("DHT: bucket %d full, evicting oldest %s:%d", i, b.hosts[0].Address, b.hosts[0].Port)
	copy(b.hosts, b.hosts[1:])
	b.hosts[len(b.hosts)-1] = h
	totalHostsAdded.Add(1)
	totalHostsEvicted.Add(1)
}

// addHosts folds a batch of peers into the table. A nil slice is fine.
func (r *routingTable) addHosts(hosts []Host) {
	for _, h := range hosts {
		r.addHost(h)
	}
}

// removeHost deletes the peer with the given UID wherever it sits. No-op
// if absent.
func (r *routingTable) removeHost(uid UID) {
	r.Lock()
	defer r.Unlock()
	for i := range r.buckets {
		b := &r.buckets[i]
		for j := range b.hosts {
			if b.hosts[j].UID == uid {
				b.hosts = append(b.hosts[:j], b.hosts[j+1:]...)
				totalHostsRemoved.Add(1)
				return
			}
		}
	}
}

// kClosest returns up to n hosts ordered by increasing XOR distance from
// target. This is a global scan rather than a per-bucket walk: the local
// UID is excluded from the buckets, so a target may land in an empty
// bucket whose nearest candidates live in adjacent ones. The sort is
// stable; ties keep encounter order.
func (r *routingTable) kClosest(target UID, n int) []Host {
	all := r.allHosts()

	t := uidBigInt(target)
	dist := make([]*big.Int, len(all))
	for i, h := range all {
		dist[i] = xorDistance(uidBigInt(h.UID), t)
	}
	idx := make([]int, len(all))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return dist[idx[a]].Cmp(dist[idx[b]]) < 0
	})

	if n > len(all) {
		n = len(all)
	}
	res := make([]Host, 0, n)
	for _, i := range idx[:n] {
		res = append(res, all[i])
	}
	return res
}

// allHosts is a flat snapshot across buckets, bucket order then insertion
// order.
func (r *routingTable) allHosts() []Host {
	r.Lock()
	defer r.Unlock()
	var all []Host
	for i := range r.buckets {
		all = append(all, r.buckets[i].hosts...)
	}
	return all
}

func (r *routingTable) numHosts() int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for i := range r.buckets {
		n += len(r.buckets[i].hosts)
	}
	return n
}

// dumpRoutes renders every bucket and its hosts for the CLI.
func (r *routingTable) dumpRoutes() string {
	r.Lock()
	defer r.Unlock()
	var sb strings.Builder
	for i := range r.buckets {
		fmt.Fprintf(&sb, "Bucket %d:\n", i)
		for _, h := range r.buckets[i].hosts {
			fmt.Fprintf(&sb, "  ID: %s, IP: %s, Port: %d\n", h.UID, h.Address, h.Port)
		}
	}
	return sb.String()
}

var (
	totalHostsAdded   = expvar.NewInt("totalHostsAdded")
	totalHostsEvicted = expvar.NewInt("totalHostsEvicted")
	totalHostsRemoved = expvar.NewInt("totalHostsRemoved")
)
