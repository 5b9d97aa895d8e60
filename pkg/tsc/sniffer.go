package tsc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const defaultDiscoveryPath = "/_nodes/http"

// NodeDescriptor is one discovered cluster node, normalized from the discovery
// response body.
type NodeDescriptor struct {
	Name  string
	Host  string
	Port  int
	Roles []string
}

// URI renders the node as a connectable base URL under the given scheme.
func (node NodeDescriptor) URI(scheme string) string {
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(node.Host, strconv.Itoa(node.Port)))
}

// Sniffable reports whether this node should serve discovery requests. Master-only
// nodes stay out of the discovery rotation; nodes advertising no roles are assumed
// capable.
func (node NodeDescriptor) Sniffable() bool {

	if len(node.Roles) == 0 {
		return true
	}

	for _, role := range node.Roles {
		if role != "master" {
			return true
		}
	}

	return false
}

// SniffResult is the list of discovered node descriptors, consumed once to
// reconcile the ConnectionPool's node set.
type SniffResult struct {
	Nodes []NodeDescriptor
}

// nodesInfoResponse mirrors the cluster's discovery endpoint body.
type nodesInfoResponse struct {
	Nodes map[string]struct {
		Name  string   `json:"name"`
		Host  string   `json:"host"`
		Roles []string `json:"roles"`
		HTTP  struct {
			PublishAddress string `json:"publish_address"`
		} `json:"http"`
	} `json:"nodes"`
}

// sniffOperation lets concurrent sniff triggers observe one in-flight discovery
// request instead of issuing duplicates.
type sniffOperation struct {
	done   chan struct{}
	result *SniffResult
	err    error
}

// Sniffer queries the cluster for its current node list and refreshes the pool.
type Sniffer struct {
	Config *SnifferConfig

	pool       *ConnectionPool
	serializer Serializer

	discoveryPath string
	sniffTimeout  time.Duration

	opLock  sync.Mutex
	pending *sniffOperation

	intervalLock    sync.Mutex
	intervalStop    chan struct{}
	intervalStarted bool
}

// NewSniffer creates and configures a new Sniffer over the supplied pool.
func NewSniffer(config *SnifferConfig, pool *ConnectionPool, serializer Serializer) *Sniffer {

	discoveryPath := defaultDiscoveryPath
	sniffTimeout := time.Duration(0)

	if config != nil {
		if config.DiscoveryPath != "" {
			discoveryPath = config.DiscoveryPath
		}
		sniffTimeout = time.Duration(config.SniffTimeoutInterval) * time.Millisecond
	}

	return &Sniffer{
		Config:        config,
		pool:          pool,
		serializer:    serializer,
		discoveryPath: discoveryPath,
		sniffTimeout:  sniffTimeout,
	}
}

// Sniff issues a discovery request against one currently-alive connection and
// returns normalized node descriptors. Concurrent callers coalesce onto one
// in-flight operation and all observe its result. On failure the pool is left
// unchanged.
func (sniffer *Sniffer) Sniff(ctx context.Context) (*SniffResult, error) {

	sniffer.opLock.Lock()
	if sniffer.pending != nil {
		op := sniffer.pending
		sniffer.opLock.Unlock()

		select {
		case <-op.done:
			return op.result, op.err
		case <-ctx.Done():
			return nil, &SniffError{Reason: "cancelled while waiting for in-flight sniff", Err: ctx.Err()}
		}
	}

	op := &sniffOperation{done: make(chan struct{})}
	sniffer.pending = op
	sniffer.opLock.Unlock()

	op.result, op.err = sniffer.doSniff(ctx)

	sniffer.opLock.Lock()
	sniffer.pending = nil
	sniffer.opLock.Unlock()

	close(op.done)

	return op.result, op.err
}

// SniffAndUpdate runs one discovery round and reconciles the pool with the result.
func (sniffer *Sniffer) SniffAndUpdate(ctx context.Context) error {

	result, err := sniffer.Sniff(ctx)
	if err != nil {
		return err
	}

	sniffer.pool.Update(result.Nodes)
	return nil
}

func (sniffer *Sniffer) doSniff(ctx context.Context) (*SniffResult, error) {

	sniffsTotal.Inc()

	host, _, err := sniffer.pool.GetConnection()
	if err != nil {
		return nil, &SniffError{Reason: "no connection available for discovery", Err: err}
	}

	if !host.CanSniff {
		// The strategy handed back a node that cannot serve discovery, look for
		// one that can.
		host = nil
		for _, candidate := range sniffer.pool.Connections() {
			if candidate.CanSniff && candidate.IsAlive() {
				host = candidate
				break
			}
		}
		if host == nil {
			return nil, &SniffError{Reason: "no discovery-capable node available"}
		}
	}

	envelope, err := host.Send(ctx, "GET", sniffer.discoveryPath, nil, nil, nil, sniffer.sniffTimeout)
	if err != nil {
		return nil, &SniffError{Reason: "discovery request failed", Err: err}
	}

	if envelope.StatusCode >= 400 {
		return nil, &SniffError{Reason: fmt.Sprintf("discovery endpoint returned status %d", envelope.StatusCode)}
	}

	var parsed nodesInfoResponse
	if err := sniffer.serializer.Unmarshal(envelope.Body, &parsed); err != nil {
		return nil, &SniffError{Reason: "discovery response could not be parsed", Err: err}
	}

	nodes := make([]NodeDescriptor, 0, len(parsed.Nodes))
	for _, node := range parsed.Nodes {

		address := node.HTTP.PublishAddress
		if address == "" {
			continue
		}

		// publish_address can come back as "host:port" or "name/host:port".
		if slash := strings.LastIndex(address, "/"); slash >= 0 {
			address = address[slash+1:]
		}

		hostPart, portPart, err := net.SplitHostPort(address)
		if err != nil {
			return nil, &SniffError{Reason: "malformed publish address " + node.HTTP.PublishAddress, Err: err}
		}

		port, err := strconv.Atoi(portPart)
		if err != nil {
			return nil, &SniffError{Reason: "malformed publish port " + portPart, Err: err}
		}

		nodes = append(nodes, NodeDescriptor{
			Name:  node.Name,
			Host:  hostPart,
			Port:  port,
			Roles: node.Roles,
		})
	}

	if len(nodes) == 0 {
		return nil, &SniffError{Reason: "discovery response contained no addressable nodes"}
	}

	return &SniffResult{Nodes: nodes}, nil
}

// StartIntervalSniffing begins periodic topology refresh per SniffIntervalSeconds.
func (sniffer *Sniffer) StartIntervalSniffing() {

	if sniffer.Config == nil || sniffer.Config.SniffIntervalSeconds == 0 {
		return
	}

	sniffer.intervalLock.Lock()
	defer sniffer.intervalLock.Unlock()

	if sniffer.intervalStarted {
		return
	}

	sniffer.intervalStarted = true
	sniffer.intervalStop = make(chan struct{})

	go sniffer.startIntervalLoop(sniffer.intervalStop)
}

func (sniffer *Sniffer) startIntervalLoop(stop chan struct{}) {

	ticker := time.NewTicker(time.Duration(sniffer.Config.SniffIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// Failed rounds leave the pool unchanged and the next tick retries.
			_ = sniffer.SniffAndUpdate(context.Background())
		}
	}
}

// StopIntervalSniffing cancels the periodic topology refresh.
func (sniffer *Sniffer) StopIntervalSniffing() {

	sniffer.intervalLock.Lock()
	defer sniffer.intervalLock.Unlock()

	if !sniffer.intervalStarted {
		return
	}

	close(sniffer.intervalStop)
	sniffer.intervalStarted = false
}
