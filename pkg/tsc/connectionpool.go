package tsc

import (
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	defaultResurrectBaseInterval      = 1000 // milliseconds
	defaultResurrectCeilingMultiplier = 30
)

// deadNode orders resurrection candidates by earliest deadSince - the node most
// likely to have recovered comes out first.
type deadNode struct {
	identity  string
	deadSince time.Time
}

// Compare implements queue.Item for the priority queue of dead nodes.
func (node *deadNode) Compare(other queue.Item) int {

	otherNode := other.(*deadNode)
	switch {
	case node.deadSince.Before(otherNode.deadSince):
		return -1
	case node.deadSince.After(otherNode.deadSince):
		return 1
	default:
		return 0
	}
}

// ConnectionPool houses the pool of cluster node connections. It owns every
// ConnectionHost it creates; a node marked dead is never returned by primary
// selection, only via the resurrection path.
type ConnectionPool struct {
	Config PoolConfig

	connections cmap.ConcurrentMap[string, *ConnectionHost]
	dead        *queue.PriorityQueue

	poolRWLock sync.RWMutex // guards order, closed
	deadLock   sync.Mutex   // serializes pops from the dead queue
	order      []string     // identities in insertion order, drives rotation
	closed     bool

	strategy             SelectionStrategy
	resurrectBase        time.Duration
	resurrectCeiling     time.Duration
	sleepOnErrorInterval time.Duration
}

// NewConnectionPool creates hosting structure for the ConnectionPool.
func NewConnectionPool(config *PoolConfig) (*ConnectionPool, error) {

	if config == nil || len(config.URIs)+len(config.PinnedURIs) == 0 {
		return nil, &ConfigurationError{Reason: "connectionpool requires at least one node uri"}
	}

	strategy, err := NewSelectionStrategy(config.SelectionStrategy)
	if err != nil {
		return nil, err
	}

	resurrectBase := time.Duration(config.ResurrectBaseInterval) * time.Millisecond
	if resurrectBase == 0 {
		resurrectBase = defaultResurrectBaseInterval * time.Millisecond
	}

	ceilingMultiplier := time.Duration(config.ResurrectCeilingMultiplier)
	if ceilingMultiplier == 0 {
		ceilingMultiplier = defaultResurrectCeilingMultiplier
	}

	cp := &ConnectionPool{
		Config:               *config,
		connections:          cmap.New[*ConnectionHost](),
		dead:                 queue.NewPriorityQueue(len(config.URIs)+len(config.PinnedURIs), false),
		strategy:             strategy,
		resurrectBase:        resurrectBase,
		resurrectCeiling:     resurrectBase * ceilingMultiplier,
		sleepOnErrorInterval: time.Duration(config.SleepOnErrorInterval) * time.Millisecond,
	}

	if err := cp.initializeConnections(); err != nil {
		return nil, err
	}

	return cp, nil
}

func (cp *ConnectionPool) initializeConnections() error {

	for _, uri := range cp.Config.URIs {
		if _, err := cp.AddConnection(uri, false); err != nil && err != ErrDuplicateConnection {
			return err
		}
	}

	for _, uri := range cp.Config.PinnedURIs {
		if _, err := cp.AddConnection(uri, true); err != nil && err != ErrDuplicateConnection {
			return err
		}
	}

	return nil
}

// AddConnection inserts a new node into the pool. When the identity is already
// present the existing connection is updated in place - health state preserved -
// and returned together with ErrDuplicateConnection.
func (cp *ConnectionPool) AddConnection(uri string, pinned bool) (*ConnectionHost, error) {

	host, err := NewConnectionHost(uri, pinned, cp.Config.TLSConfig)
	if err != nil {
		return nil, err
	}

	if existing, ok := cp.connections.Get(host.Identity); ok {
		if pinned {
			existing.Pinned = true
		}
		return existing, ErrDuplicateConnection
	}

	cp.connections.Set(host.Identity, host)

	cp.poolRWLock.Lock()
	cp.order = append(cp.order, host.Identity)
	cp.poolRWLock.Unlock()

	return host, nil
}

// RemoveConnection removes a node from the pool. No-op if the identity is absent.
func (cp *ConnectionPool) RemoveConnection(identity string) {

	host, ok := cp.connections.Get(identity)
	if !ok {
		return
	}

	cp.connections.Remove(identity)

	cp.poolRWLock.Lock()
	for i, id := range cp.order {
		if id == identity {
			cp.order = append(cp.order[:i], cp.order[i+1:]...)
			break
		}
	}
	cp.poolRWLock.Unlock()

	host.client.CloseIdleConnections()
}

// GetConnection selects a connection for the next attempt. Alive nodes are selected
// via the configured strategy; when none are alive the node with the earliest
// deadSince is returned as a speculative resurrection candidate (second return true).
// An error is returned only when the pool is empty or closed.
func (cp *ConnectionPool) GetConnection() (*ConnectionHost, bool, error) {
	return cp.getConnection("")
}

// GetConnectionExcluding behaves like GetConnection but avoids the excluded identity
// whenever another candidate exists, so a retry lands on a different node.
func (cp *ConnectionPool) GetConnectionExcluding(exclude string) (*ConnectionHost, bool, error) {
	return cp.getConnection(exclude)
}

func (cp *ConnectionPool) getConnection(exclude string) (*ConnectionHost, bool, error) {

	cp.poolRWLock.RLock()
	if cp.closed {
		cp.poolRWLock.RUnlock()
		return nil, false, ErrConnectionPoolClosed
	}
	identities := make([]string, len(cp.order))
	copy(identities, cp.order)
	cp.poolRWLock.RUnlock()

	if len(identities) == 0 {
		return nil, false, ErrNoLivingConnections
	}

	now := time.Now()

	alive := make([]*ConnectionHost, 0, len(identities))
	for _, identity := range identities {
		host, ok := cp.connections.Get(identity)
		if !ok {
			continue
		}
		if host.IsAlive() || host.resurrectDue(now) {
			alive = append(alive, host)
		}
	}

	// Retries prefer a different node when more than one candidate exists.
	if exclude != "" && len(alive) > 1 {
		filtered := alive[:0]
		for _, host := range alive {
			if host.Identity != exclude {
				filtered = append(filtered, host)
			}
		}
		alive = filtered
	}

	if len(alive) > 0 {
		selected := cp.strategy.Next(alive)
		return selected, !selected.IsAlive(), nil
	}

	if candidate := cp.popResurrectionCandidate(); candidate != nil {
		return candidate, true, nil
	}

	// The priority queue can run dry while dead nodes still exist (a speculative
	// attempt was popped and never re-marked). Fall back to a direct scan.
	var earliest *ConnectionHost
	for _, identity := range identities {
		host, ok := cp.connections.Get(identity)
		if !ok || host.IsAlive() {
			continue
		}
		if earliest == nil || host.DeadSince().Before(earliest.DeadSince()) {
			earliest = host
		}
	}

	if earliest != nil {
		return earliest, true, nil
	}

	return nil, false, ErrNoLivingConnections
}

// popResurrectionCandidate pops dead nodes in earliest-deadSince order, skipping
// entries made stale by MarkAlive, removal or a newer MarkDead.
func (cp *ConnectionPool) popResurrectionCandidate() *ConnectionHost {

	// Get blocks on an empty queue, so the Empty check and the Get must not
	// interleave across goroutines.
	cp.deadLock.Lock()
	defer cp.deadLock.Unlock()

	for !cp.dead.Empty() {

		items, err := cp.dead.Get(1)
		if err != nil || len(items) == 0 {
			return nil
		}

		node := items[0].(*deadNode)

		host, ok := cp.connections.Get(node.identity)
		if !ok || host.IsAlive() {
			continue
		}

		if !host.DeadSince().Equal(node.deadSince) {
			continue
		}

		return host
	}

	return nil
}

// MarkAlive resets the failure count of a node and clears its dead state.
func (cp *ConnectionPool) MarkAlive(host *ConnectionHost) {
	host.markAlive()
}

// MarkDead increments a node's failure count, stamps deadSince and computes the next
// resurrection backoff, removing it from the alive rotation until that elapses.
func (cp *ConnectionPool) MarkDead(host *ConnectionHost) {

	host.markDead(cp.resurrectBase, cp.resurrectCeiling)

	cp.dead.Put(&deadNode{
		identity:  host.Identity,
		deadSince: host.DeadSince(),
	})
}

// Update reconciles pool membership with a fresh discovery list - new nodes are
// added, nodes no longer present are removed unless pinned, and nodes that persist
// keep their health state.
func (cp *ConnectionPool) Update(nodes []NodeDescriptor) {

	seen := make(map[string]bool, len(nodes))

	for _, node := range nodes {

		uri := node.URI(cp.scheme())
		host, err := cp.AddConnection(uri, false)
		if err != nil && err != ErrDuplicateConnection {
			continue
		}

		host.CanSniff = node.Sniffable()
		seen[host.Identity] = true
	}

	if len(seen) == 0 {
		return
	}

	cp.poolRWLock.RLock()
	identities := make([]string, len(cp.order))
	copy(identities, cp.order)
	cp.poolRWLock.RUnlock()

	for _, identity := range identities {
		if seen[identity] {
			continue
		}

		host, ok := cp.connections.Get(identity)
		if ok && host.Pinned {
			continue
		}

		cp.RemoveConnection(identity)
	}
}

// SleepOnErrorInterval is how long dispatch pauses between a node fault and the
// next attempt. Zero means retry immediately.
func (cp *ConnectionPool) SleepOnErrorInterval() time.Duration {
	return cp.sleepOnErrorInterval
}

func (cp *ConnectionPool) scheme() string {
	if cp.Config.TLSConfig != nil && cp.Config.TLSConfig.EnableTLS {
		return "https"
	}
	return "http"
}

// ConnectionCount reports how many nodes the pool currently tracks, dead or alive.
func (cp *ConnectionPool) ConnectionCount() int {
	return cp.connections.Count()
}

// AliveConnectionCount reports how many nodes are in the selectable rotation.
func (cp *ConnectionPool) AliveConnectionCount() int {

	count := 0
	for item := range cp.connections.IterBuffered() {
		if item.Val.IsAlive() {
			count++
		}
	}

	return count
}

// Connections returns a snapshot of the hosts currently in the pool, in rotation
// order.
func (cp *ConnectionPool) Connections() []*ConnectionHost {

	cp.poolRWLock.RLock()
	identities := make([]string, len(cp.order))
	copy(identities, cp.order)
	cp.poolRWLock.RUnlock()

	hosts := make([]*ConnectionHost, 0, len(identities))
	for _, identity := range identities {
		if host, ok := cp.connections.Get(identity); ok {
			hosts = append(hosts, host)
		}
	}

	return hosts
}

// Shutdown closes all connections in the ConnectionPool and resets the Pool to a
// pre-initialized state.
func (cp *ConnectionPool) Shutdown() {

	cp.poolRWLock.Lock()
	if cp.closed {
		cp.poolRWLock.Unlock()
		return
	}
	cp.closed = true
	identities := cp.order
	cp.order = nil
	cp.poolRWLock.Unlock()

	for _, identity := range identities {
		if host, ok := cp.connections.Get(identity); ok {
			host.client.CloseIdleConnections()
		}
		cp.connections.Remove(identity)
	}

	cp.dead.Dispose()
}
