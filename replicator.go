package dht

import (
	"expvar"
	"time"
)

// replicatorLoop re-publishes the local store: first run replicateInterval
// after startup, re-armed replicateInterval after each run completes.
// Peers that took a STORE earlier may have restarted or been displaced by
// closer nodes learned since; periodic re-publication keeps the data
// convergent.
func (d *DHT) replicatorLoop() {
	for {
		select {
		case <-d.stop:
			return
		case <-time.After(replicateInterval):
		}
		d.replicateAll()
	}
}

// replicateAll sends every local entry to the k peers currently closest
// to its identifier. Delivery failures are swallowed; the pinger owns
// peer culling.
func (d *DHT) replicateAll() {
	entries := d.kv.snapshot()
	if len(entries) == 0 {
		return
	}
	for id, e := range entries {
		for _, peer := range d.rt.kClosest(id, k) {
			if err := d.sendStore(peer, id, e.value); err == nil {
				totalReplicatedStores.Add(1)
			}
		}
	}
}

var totalReplicatedStores = expvar.NewInt("totalReplicatedStores")
