/*
Package stats provides in-memory traffic counters for the proxy.

The Collector accumulates per-host counters with atomic operations for
lock-free increments; snapshots feed the portal heartbeat endpoint.
*/
package stats

import (
	"sync"
	"sync/atomic"
)

// Collector accumulates in-memory traffic statistics.
type Collector struct {
	requestsTotal atomic.Int64
	blockedTotal  atomic.Int64
	mitmSessions  atomic.Int64
	socksFlows    atomic.Int64

	transformsOK     atomic.Int64
	transformsFailed atomic.Int64

	// Per-host request counts.
	hostRequests sync.Map // string -> *atomic.Int64

	// Per-host block counts.
	hostBlocks sync.Map // string -> *atomic.Int64
}

// NewCollector creates a new in-memory stats collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records a request for a host, noting whether it was
// answered by the block filter.
func (c *Collector) RecordRequest(host string, blocked bool) {
	c.requestsTotal.Add(1)

	hv, _ := c.hostRequests.LoadOrStore(host, &atomic.Int64{})
	hv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore

	if blocked {
		c.blockedTotal.Add(1)
		bv, _ := c.hostBlocks.LoadOrStore(host, &atomic.Int64{})
		bv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore
	}
}

// RecordMITMSession records one CONNECT tunnel that went through TLS MITM.
func (c *Collector) RecordMITMSession() {
	c.mitmSessions.Add(1)
}

// RecordSOCKSFlow records one accepted SOCKS5 CONNECT flow.
func (c *Collector) RecordSOCKSFlow() {
	c.socksFlows.Add(1)
}

// RecordTransform records one completed transform.
func (c *Collector) RecordTransform(ok bool) {
	if ok {
		c.transformsOK.Add(1)
	} else {
		c.transformsFailed.Add(1)
	}
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Requests         int64 `json:"requests"`
	Blocked          int64 `json:"blocked"`
	MITMSessions     int64 `json:"mitm_sessions"`
	SOCKSFlows       int64 `json:"socks_flows"`
	TransformsOK     int64 `json:"transforms_ok"`
	TransformsFailed int64 `json:"transforms_failed"`
}

// Snapshot returns current totals.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Requests:         c.requestsTotal.Load(),
		Blocked:          c.blockedTotal.Load(),
		MITMSessions:     c.mitmSessions.Load(),
		SOCKSFlows:       c.socksFlows.Load(),
		TransformsOK:     c.transformsOK.Load(),
		TransformsFailed: c.transformsFailed.Load(),
	}
}

// HostCount holds a host and its counter value.
type HostCount struct {
	Host  string `json:"host"`
	Count int64  `json:"count"`
}

// TopBlocked returns the top n blocked hosts by count.
func (c *Collector) TopBlocked(n int) []HostCount {
	return topCounts(&c.hostBlocks, n)
}

// TopRequested returns the top n requested hosts by count.
func (c *Collector) TopRequested(n int) []HostCount {
	return topCounts(&c.hostRequests, n)
}

// topCounts snapshots a counter map sorted descending, truncated to n.
func topCounts(m *sync.Map, n int) []HostCount {
	var entries []HostCount
	m.Range(func(key, value any) bool {
		host, _ := key.(string)             //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		entries = append(entries, HostCount{Host: host, Count: counter.Load()})
		return true
	})

	// Sort descending by count (insertion sort is fine for small n).
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Count > entries[j-1].Count; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
