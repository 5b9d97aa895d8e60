package tsc

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionHost is an internal representation of one cluster node endpoint. It is
// owned exclusively by the ConnectionPool that created it.
type ConnectionHost struct {
	URL      *url.URL
	Identity string // normalized base URL, unique within the pool
	CanSniff bool   // whether this node may serve discovery requests
	Pinned   bool   // pinned nodes survive sniff reconciliation

	client *http.Client

	// Health state, guarded by healthLock.
	healthLock       sync.RWMutex
	alive            bool
	deadSince        time.Time
	failureCount     int32
	resurrectTimeout time.Duration

	// Usage stats, updated on every send regardless of outcome.
	totalRequests uint64
	lastUsed      int64 // unix nanoseconds
}

// NewConnectionHost creates a simple ConnectionHost wrapper for management by the
// ConnectionPool.
func NewConnectionHost(uri string, pinned bool, tlsConfig *TLSConfig) (*ConnectionHost, error) {

	parsed, err := url.Parse(strings.TrimRight(uri, "/"))
	if err != nil {
		return nil, &ConfigurationError{Reason: "invalid node uri " + uri}
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &ConfigurationError{Reason: "node uri must be http or https: " + uri}
	}

	if parsed.Host == "" {
		return nil, &ConfigurationError{Reason: "node uri missing host: " + uri}
	}

	var actualTLSConfig *tls.Config
	if tlsConfig != nil && tlsConfig.EnableTLS {

		actualTLSConfig, err = CreateTLSConfig(
			tlsConfig.PEMCertLocation,
			tlsConfig.LocalCertLocation)
		if err != nil {
			return nil, err
		}

		actualTLSConfig.ServerName = tlsConfig.CertServerName
	}

	httpTransport := http.DefaultTransport.(*http.Transport).Clone()
	if actualTLSConfig != nil {
		httpTransport.TLSClientConfig = actualTLSConfig
	}

	return &ConnectionHost{
		URL:      parsed,
		Identity: parsed.String(),
		CanSniff: true,
		Pinned:   pinned,
		client: &http.Client{
			Transport: httpTransport,
		},
		alive: true,
	}, nil
}

// Send performs one network exchange against this node. Any HTTP status is a valid
// response - 4xx/5xx are not transport errors. Timeouts come back as TimeoutError,
// network-level failures as ConnectionError and a cancelled context is passed
// through untouched so the Transport can tell cancellation apart from node failure.
func (host *ConnectionHost) Send(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	headers http.Header,
	body []byte,
	timeout time.Duration) (*ResponseEnvelope, error) {

	atomic.AddUint64(&host.totalRequests, 1)
	atomic.StoreInt64(&host.lastUsed, time.Now().UnixNano())

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	requestURL := *host.URL
	requestURL.Path = strings.TrimRight(requestURL.Path, "/") + path
	if len(query) > 0 {
		requestURL.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), bodyReader)
	if err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}

	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := host.client.Do(request)
	if err != nil {
		return nil, host.classifySendError(ctx, err)
	}
	defer response.Body.Close()

	rawBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, host.classifySendError(ctx, err)
	}

	rawBody, err = decompressPayload(response.Header.Get("Content-Encoding"), rawBody)
	if err != nil {
		return nil, &SerializationError{Operation: "decompress response", Err: err}
	}

	return &ResponseEnvelope{
		StatusCode: response.StatusCode,
		Headers:    response.Header,
		Body:       rawBody,
	}, nil
}

// classifySendError sorts a network exchange failure into the transport taxonomy.
func (host *ConnectionHost) classifySendError(ctx context.Context, err error) error {

	// A cancelled request must not be misreported as a connection failure.
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return context.Canceled
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Node: host.Identity, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Node: host.Identity, Err: err}
	}

	return &ConnectionError{Node: host.Identity, Err: err}
}

// IsAlive checks whether this node is in the selectable rotation.
func (host *ConnectionHost) IsAlive() bool {
	host.healthLock.RLock()
	defer host.healthLock.RUnlock()
	return host.alive
}

// DeadSince reports when this node was last marked dead (zero time when alive).
func (host *ConnectionHost) DeadSince() time.Time {
	host.healthLock.RLock()
	defer host.healthLock.RUnlock()
	return host.deadSince
}

// FailureCount reports the consecutive failures recorded against this node.
func (host *ConnectionHost) FailureCount() int32 {
	host.healthLock.RLock()
	defer host.healthLock.RUnlock()
	return host.failureCount
}

// ResurrectTimeout reports the backoff currently applied before this node becomes a
// resurrection candidate.
func (host *ConnectionHost) ResurrectTimeout() time.Duration {
	host.healthLock.RLock()
	defer host.healthLock.RUnlock()
	return host.resurrectTimeout
}

// TotalRequests reports how many sends this node has served, successes and failures
// alike.
func (host *ConnectionHost) TotalRequests() uint64 {
	return atomic.LoadUint64(&host.totalRequests)
}

// LastUsed reports when this node last served a send.
func (host *ConnectionHost) LastUsed() time.Time {
	return time.Unix(0, atomic.LoadInt64(&host.lastUsed))
}

// markAlive resets the failure count and clears dead state.
func (host *ConnectionHost) markAlive() {
	host.healthLock.Lock()
	defer host.healthLock.Unlock()

	host.alive = true
	host.deadSince = time.Time{}
	host.failureCount = 0
	host.resurrectTimeout = 0
}

// markDead records a failure and computes the next resurrection backoff:
// base * 2^failureCount, capped at the ceiling. The growth is monotonically
// non-decreasing across consecutive failures.
func (host *ConnectionHost) markDead(base time.Duration, ceiling time.Duration) {
	host.healthLock.Lock()
	defer host.healthLock.Unlock()

	host.alive = false
	host.deadSince = time.Now()
	host.failureCount++

	timeout := base << uint(host.failureCount-1)
	if timeout > ceiling || timeout <= 0 {
		timeout = ceiling
	}
	host.resurrectTimeout = timeout
}

// resurrectDue checks whether the backoff interval has elapsed and this node should
// re-enter the rotation speculatively.
func (host *ConnectionHost) resurrectDue(now time.Time) bool {
	host.healthLock.RLock()
	defer host.healthLock.RUnlock()

	if host.alive {
		return false
	}

	return now.Sub(host.deadSince) >= host.resurrectTimeout
}
