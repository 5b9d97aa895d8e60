package tsc

import (
	"context"
	"net/http"
	"net/url"
	"sync"
)

// SearchService is the struct for containing all you need for cluster access: the
// pool, the transport and the sniffer, built from one SearchSeasoning and torn down
// together.
type SearchService struct {
	Config         *SearchSeasoning
	ConnectionPool *ConnectionPool
	Transport      *Transport
	Sniffer        *Sniffer

	centralErr  chan error
	shutdown    bool
	serviceLock *sync.Mutex
}

// NewSearchService creates everything you need for communicating with the cluster.
func NewSearchService(config *SearchSeasoning) (*SearchService, error) {

	if config == nil {
		return nil, &ConfigurationError{Reason: "nil seasoning"}
	}

	connectionPool, err := NewConnectionPool(config.PoolConfig)
	if err != nil {
		return nil, err
	}

	serializer := NewJSONSerializer()

	transport, err := NewTransport(config.TransportConfig, config.CompressionConfig, connectionPool, serializer)
	if err != nil {
		return nil, err
	}

	ss := &SearchService{
		Config:         config,
		ConnectionPool: connectionPool,
		Transport:      transport,
		centralErr:  make(chan error, 100),
		serviceLock: &sync.Mutex{},
	}

	if config.SnifferConfig != nil && config.SnifferConfig.Enabled {

		ss.Sniffer = NewSniffer(config.SnifferConfig, connectionPool, serializer)
		transport.SetSniffer(ss.Sniffer)

		if config.SnifferConfig.SniffOnStart {
			if err := ss.Sniffer.SniffAndUpdate(context.Background()); err != nil {
				// Startup discovery is best effort, the seed nodes stay in place.
				ss.reportError(err)
			}
		}

		ss.Sniffer.StartIntervalSniffing()
	}

	return ss, nil
}

// Request dispatches a descriptor through the service's transport. This is the one
// entry point the generated per-endpoint API layer builds on.
func (ss *SearchService) Request(ctx context.Context, rd *RequestDescriptor) (*ResponseEnvelope, error) {
	return ss.Transport.Request(ctx, rd)
}

// Ping issues a cheap reachability check against the cluster.
func (ss *SearchService) Ping(ctx context.Context) error {

	envelope, err := ss.Transport.Request(ctx, &RequestDescriptor{
		Method: http.MethodHead,
		Path:   "/",
	})
	if err != nil {
		return err
	}

	return envelope.Err()
}

// Search posts a structured query body against an index.
func (ss *SearchService) Search(ctx context.Context, index string, query interface{}) (*ResponseEnvelope, error) {

	return ss.Transport.Request(ctx, &RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/" + url.PathEscape(index) + "/_search",
		Body:   query,
	})
}

// Index stores one document under an index and id.
func (ss *SearchService) Index(ctx context.Context, index string, id string, document interface{}) (*ResponseEnvelope, error) {

	return ss.Transport.Request(ctx, &RequestDescriptor{
		Method: http.MethodPut,
		Path:   "/" + url.PathEscape(index) + "/_doc/" + url.PathEscape(id),
		Body:   document,
	})
}

// Bulk streams a newline-delimited payload of actions and documents.
func (ss *SearchService) Bulk(ctx context.Context, items []BulkItem) (*ResponseEnvelope, error) {

	return ss.Transport.Request(ctx, &RequestDescriptor{
		Method:    http.MethodPost,
		Path:      "/_bulk",
		BulkItems: items,
	})
}

// SniffNow forces one discovery round outside the configured triggers.
func (ss *SearchService) SniffNow(ctx context.Context) error {

	if ss.Sniffer == nil {
		return &SniffError{Reason: "sniffing is not enabled"}
	}

	return ss.Sniffer.SniffAndUpdate(ctx)
}

// Errors yields the internal errs collected from background activity.
func (ss *SearchService) Errors() <-chan error {
	return ss.centralErr
}

func (ss *SearchService) reportError(err error) {
	select {
	case ss.centralErr <- err:
	default:
		// Nobody is draining the channel, drop rather than block.
	}
}

// Shutdown cleanly shuts down the service, cancelling pending sniff timers and
// closing pooled sockets.
func (ss *SearchService) Shutdown() {
	ss.serviceLock.Lock()
	defer ss.serviceLock.Unlock()

	if ss.shutdown {
		return
	}
	ss.shutdown = true

	if ss.Sniffer != nil {
		ss.Sniffer.StopIntervalSniffing()
	}

	ss.ConnectionPool.Shutdown()
}
