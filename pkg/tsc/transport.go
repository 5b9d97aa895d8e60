package tsc

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxRetryCount  = 3
	defaultRequestTimeout = 10 * time.Second // per attempt
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodPatch:   true,
	http.MethodOptions: true,
}

// Transport orchestrates one request end to end: it validates the descriptor,
// obtains connections from the pool, serializes and deserializes bodies, applies
// the timeout/retry policy and keeps the pool's health bookkeeping current.
type Transport struct {
	Config *TransportConfig

	pool       *ConnectionPool
	serializer Serializer
	sniffer    *Sniffer // optional, wired by the SearchService

	retryableStatuses map[int]bool
	requestTimeout    time.Duration
	maxRetryCount     uint32
	compression       *CompressionConfig

	requestCount uint64 // drives the every-N sniff trigger
}

// NewTransport creates and configures a new Transport over the supplied pool.
func NewTransport(
	config *TransportConfig,
	compression *CompressionConfig,
	pool *ConnectionPool,
	serializer Serializer) (*Transport, error) {

	if pool == nil {
		return nil, &ConfigurationError{Reason: "transport requires a connection pool"}
	}

	if serializer == nil {
		serializer = NewJSONSerializer()
	}

	if config == nil {
		config = &TransportConfig{}
	}

	retryableStatuses := map[int]bool{
		http.StatusBadGateway:         true,
		http.StatusServiceUnavailable: true,
		http.StatusGatewayTimeout:     true,
	}
	if len(config.RetryableStatusCodes) > 0 {
		retryableStatuses = make(map[int]bool, len(config.RetryableStatusCodes))
		for _, status := range config.RetryableStatusCodes {
			retryableStatuses[status] = true
		}
	}

	maxRetryCount := config.MaxRetryCount
	if maxRetryCount == 0 {
		maxRetryCount = defaultMaxRetryCount
	}

	requestTimeout := time.Duration(config.RequestTimeoutInterval) * time.Millisecond
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}

	return &Transport{
		Config:            config,
		pool:              pool,
		serializer:        serializer,
		retryableStatuses: retryableStatuses,
		requestTimeout:    requestTimeout,
		maxRetryCount:     maxRetryCount,
		compression:       compression,
	}, nil
}

// SetSniffer wires a Sniffer for the on-failure and every-N discovery triggers.
func (t *Transport) SetSniffer(sniffer *Sniffer) {
	t.sniffer = sniffer
}

// Pool exposes the transport's ConnectionPool.
func (t *Transport) Pool() *ConnectionPool {
	return t.pool
}

// Serializer exposes the transport's Serializer.
func (t *Transport) Serializer() Serializer {
	return t.serializer
}

// Request dispatches one descriptor against the cluster. Transport-level faults are
// retried up to policy against different nodes; serialization and configuration
// faults surface immediately; HTTP error statuses come back as data on the envelope.
func (t *Transport) Request(ctx context.Context, rd *RequestDescriptor) (*ResponseEnvelope, error) {

	if err := t.validate(rd); err != nil {
		return nil, err
	}

	meta := t.prepareMeta(rd)

	payload, contentType, err := t.encodeBody(rd)
	if err != nil {
		return nil, err
	}

	headers, err := t.prepareHeaders(rd, meta, payload, contentType)
	if err != nil {
		return nil, err
	}

	if t.compression != nil && t.compression.Enabled && len(payload) > 0 {
		compressed, encoding, err := compressPayload(t.compression, payload)
		if err != nil {
			return nil, &SerializationError{Operation: "compress request", Err: err}
		}
		payload = compressed
		headers.Set("Content-Encoding", encoding)
	}

	maxAttempts := meta.MaxRetryCount + 1
	lastIdentity := ""
	var lastErr error

	for attempt := uint32(0); attempt < maxAttempts; attempt++ {

		if meta.IsAborted() {
			abortedRequests.Inc()
			return nil, ErrRequestAborted
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.Canceled) {
				abortedRequests.Inc()
				return nil, ErrRequestAborted
			}
			return nil, &TransportError{Attempts: meta.Attempt, Err: ctxErr}
		}

		var host *ConnectionHost
		var speculative bool
		if lastIdentity == "" {
			host, speculative, err = t.pool.GetConnection()
		} else {
			// Retries avoid the node that just failed when another one exists.
			host, speculative, err = t.pool.GetConnectionExcluding(lastIdentity)
		}
		if err != nil {
			// Pool exhausted or closed, no further retries possible.
			return nil, err
		}
		if speculative {
			resurrectionAttempts.Inc()
		}

		lastIdentity = host.Identity
		meta.Attempt = int32(attempt) + 1
		requestsTotal.Inc()

		envelope, sendErr := host.Send(ctx, rd.Method, rd.Path, rd.Query, headers, payload, meta.RequestTimeout)
		if sendErr != nil {

			if errors.Is(sendErr, context.Canceled) || meta.IsAborted() {
				// Cancellation is not a node failure, leave health bookkeeping alone.
				abortedRequests.Inc()
				return nil, ErrRequestAborted
			}

			var confErr *ConfigurationError
			if errors.As(sendErr, &confErr) {
				return nil, sendErr
			}

			var serErr *SerializationError
			if errors.As(sendErr, &serErr) {
				return nil, sendErr
			}

			t.recordFault(sendErr)
			t.pool.MarkDead(host)
			t.triggerSniffOnFailure()

			lastErr = sendErr
			if attempt+1 < maxAttempts {
				retriesTotal.Inc()
				t.pauseBeforeRetry(ctx)
			}
			continue
		}

		t.pool.MarkAlive(host)

		if t.isRetryableStatus(envelope.StatusCode) && attempt+1 < maxAttempts {
			// Soft penalty: the node answered but signalled a transient server
			// condition, push it out of rotation and try elsewhere.
			t.pool.MarkDead(host)
			lastErr = &ResponseError{StatusCode: envelope.StatusCode, Body: envelope.Body}
			retriesTotal.Inc()
			t.pauseBeforeRetry(ctx)
			continue
		}

		if err := t.decodeBody(envelope); err != nil {
			return nil, err
		}

		envelope.Attempts = meta.Attempt
		t.triggerSniffEveryN()

		return envelope, nil
	}

	return nil, &TransportError{Attempts: meta.Attempt, Err: lastErr}
}

func (t *Transport) validate(rd *RequestDescriptor) error {

	if rd == nil {
		return &ConfigurationError{Reason: "nil request descriptor"}
	}

	if !allowedMethods[rd.Method] {
		return &ConfigurationError{Reason: "invalid request method " + rd.Method}
	}

	if !strings.HasPrefix(rd.Path, "/") {
		return &ConfigurationError{Reason: "request path must begin with / : " + rd.Path}
	}

	bodies := 0
	if rd.Body != nil {
		bodies++
	}
	if rd.RawBody != nil {
		bodies++
	}
	if rd.BulkItems != nil {
		bodies++
	}
	if bodies > 1 {
		return &ConfigurationError{Reason: "request descriptor carries more than one body"}
	}

	return nil
}

func (t *Transport) prepareMeta(rd *RequestDescriptor) *RequestMeta {

	if rd.Meta == nil {
		rd.Meta = NewRequestMeta(t.maxRetryCount, t.requestTimeout)
		return rd.Meta
	}

	if rd.Meta.RequestID == "" {
		rd.Meta.RequestID = uuid.New().String()
	}
	if rd.Meta.RequestTimeout == 0 {
		rd.Meta.RequestTimeout = t.requestTimeout
	}

	return rd.Meta
}

func (t *Transport) encodeBody(rd *RequestDescriptor) ([]byte, string, error) {

	switch {
	case rd.RawBody != nil:
		return rd.RawBody, "", nil

	case rd.BulkItems != nil:
		payload, err := t.serializer.MarshalBulk(rd.BulkItems)
		if err != nil {
			return nil, "", err
		}
		return payload, t.serializer.BulkContentType(), nil

	case rd.Body != nil:
		payload, err := t.serializer.Marshal(rd.Body)
		if err != nil {
			return nil, "", err
		}
		return payload, t.serializer.ContentType(), nil
	}

	return nil, "", nil
}

func (t *Transport) prepareHeaders(
	rd *RequestDescriptor,
	meta *RequestMeta,
	payload []byte,
	contentType string) (http.Header, error) {

	headers := make(http.Header, len(rd.Headers)+2)
	for key, values := range rd.Headers {
		for _, value := range values {
			headers.Add(key, value)
		}
	}

	if len(payload) > 0 && headers.Get("Content-Type") == "" {
		if contentType == "" {
			contentType = t.serializer.ContentType()
		}
		headers.Set("Content-Type", contentType)
	}

	headers.Set("X-Request-Id", meta.RequestID)

	return headers, nil
}

func (t *Transport) decodeBody(envelope *ResponseEnvelope) error {

	if len(envelope.Body) == 0 {
		return nil
	}

	contentType := envelope.Headers.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "json") {
		return nil
	}

	var decoded interface{}
	if err := t.serializer.Unmarshal(envelope.Body, &decoded); err != nil {
		return err
	}

	envelope.Decoded = decoded
	return nil
}

func (t *Transport) isRetryableStatus(status int) bool {

	if t.Config.DisableStatusRetry {
		return false
	}

	return t.retryableStatuses[status]
}

func (t *Transport) recordFault(err error) {

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		timeoutFaults.Inc()
		return
	}

	connectionFaults.Inc()
}

// pauseBeforeRetry waits out the pool's SleepOnErrorInterval between a fault and
// the next attempt, giving a briefly struggling cluster room to recover. The pause
// ends early on context cancellation; the retry loop re-checks ctx at its top.
func (t *Transport) pauseBeforeRetry(ctx context.Context) {

	interval := t.pool.SleepOnErrorInterval()
	if interval == 0 {
		return
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (t *Transport) triggerSniffOnFailure() {

	if t.sniffer == nil || t.sniffer.Config == nil || !t.sniffer.Config.SniffOnConnectionFailure {
		return
	}

	go func() {
		_ = t.sniffer.SniffAndUpdate(context.Background())
	}()
}

func (t *Transport) triggerSniffEveryN() {

	if t.sniffer == nil || t.sniffer.Config == nil || t.sniffer.Config.SniffEveryNRequests == 0 {
		return
	}

	count := atomic.AddUint64(&t.requestCount, 1)
	if count%t.sniffer.Config.SniffEveryNRequests != 0 {
		return
	}

	go func() {
		_ = t.sniffer.SniffAndUpdate(context.Background())
	}()
}
