package tsc_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/houseofcat/turbosearch/pkg/tsc"
	"github.com/stretchr/testify/assert"
)

func newTestTransport(t *testing.T, config *tsc.TransportConfig, uris ...string) (*tsc.Transport, *tsc.ConnectionPool) {
	t.Helper()

	cp, err := tsc.NewConnectionPool(testPoolConfig(uris...))
	assert.NoError(t, err)

	transport, err := tsc.NewTransport(config, nil, cp, tsc.NewJSONSerializer())
	assert.NoError(t, err)

	return transport, cp
}

// closedServerURL returns an address that refuses connections.
func closedServerURL() string {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()
	return url
}

func TestRequestFailsOverToHealthyNode(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer healthy.Close()

	broken := closedServerURL()

	transport, cp := newTestTransport(t, nil, broken, healthy.URL)
	defer cp.Shutdown()

	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   &tsc.RequestMeta{MaxRetryCount: 1},
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, envelope.StatusCode)
	assert.Equal(t, map[string]interface{}{"ok": true}, envelope.Decoded)
	assert.Equal(t, int32(2), envelope.Attempts)

	brokenHost, ok := findHost(cp, broken)
	assert.True(t, ok)
	assert.False(t, brokenHost.IsAlive())

	healthyHost, ok := findHost(cp, healthy.URL)
	assert.True(t, ok)
	assert.True(t, healthyHost.IsAlive())
}

func TestRequestExhaustsRetriesWithConnectionError(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	transport, cp := newTestTransport(t, nil, closedServerURL(), closedServerURL(), closedServerURL())
	defer cp.Shutdown()

	meta := &tsc.RequestMeta{MaxRetryCount: 2}
	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   meta,
	})

	assert.Nil(t, envelope)
	assert.Error(t, err)

	// Connections exist - even if dead - so pool exhaustion is never the verdict.
	assert.False(t, errors.Is(err, tsc.ErrNoLivingConnections))

	var transportErr *tsc.TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.Equal(t, int32(3), transportErr.Attempts) // initial + 2 retries

	var connErr *tsc.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestRequestAbortBeforeFirstAttempt(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var hits uint64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&hits, 1)
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	meta := &tsc.RequestMeta{MaxRetryCount: 2}
	meta.Abort()

	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   meta,
	})

	assert.Nil(t, envelope)
	assert.ErrorIs(t, err, tsc.ErrRequestAborted)
	assert.Equal(t, int32(0), meta.Attempt)
	assert.Equal(t, uint64(0), atomic.LoadUint64(&hits))
}

func TestRequestCancelledInFlightIsNotANodeFailure(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	envelope, err := transport.Request(ctx, &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
	})

	assert.Nil(t, envelope)
	assert.ErrorIs(t, err, tsc.ErrRequestAborted)

	host, ok := findHost(cp, server.URL)
	assert.True(t, ok)
	assert.True(t, host.IsAlive()) // cancellation leaves health bookkeeping alone
}

func TestRequestRetriesRetryableStatus(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	overloaded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer overloaded.Close()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer healthy.Close()

	transport, cp := newTestTransport(t, nil, overloaded.URL, healthy.URL)
	defer cp.Shutdown()

	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   &tsc.RequestMeta{MaxRetryCount: 1},
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, envelope.StatusCode)
	assert.Equal(t, int32(2), envelope.Attempts)

	penalized, ok := findHost(cp, overloaded.URL)
	assert.True(t, ok)
	assert.False(t, penalized.IsAlive())
}

func TestRequestErrorStatusReturnedAsData(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var hits uint64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such index"}`))
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/missing/_search",
		Meta:   &tsc.RequestMeta{MaxRetryCount: 2},
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, envelope.StatusCode)
	assert.Equal(t, int32(1), envelope.Attempts)
	assert.Equal(t, uint64(1), atomic.LoadUint64(&hits)) // client errors are not retried

	var respErr *tsc.ResponseError
	assert.ErrorAs(t, envelope.Err(), &respErr)
	assert.Equal(t, http.StatusNotFound, respErr.StatusCode)
}

func TestRequestInvalidDescriptor(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	transport, cp := newTestTransport(t, nil, "http://127.0.0.1:9200")
	defer cp.Shutdown()

	var confErr *tsc.ConfigurationError

	_, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: "TELEPORT",
		Path:   "/",
	})
	assert.ErrorAs(t, err, &confErr)

	_, err = transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "no-leading-slash",
	})
	assert.ErrorAs(t, err, &confErr)

	_, err = transport.Request(context.Background(), nil)
	assert.ErrorAs(t, err, &confErr)
}

func TestRequestSerializationErrorIsNotRetried(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var hits uint64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddUint64(&hits, 1)
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	_, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/",
		Body:   make(chan int), // not encodable
	})

	var serErr *tsc.SerializationError
	assert.ErrorAs(t, err, &serErr)
	assert.Equal(t, uint64(0), atomic.LoadUint64(&hits))
}

func TestRequestPerAttemptTimeout(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	_, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   &tsc.RequestMeta{MaxRetryCount: 0, RequestTimeout: 50 * time.Millisecond},
	})

	assert.Error(t, err)

	var timeoutErr *tsc.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)

	host, ok := findHost(cp, server.URL)
	assert.True(t, ok)
	assert.False(t, host.IsAlive())
}

func TestRequestSendsBulkPayload(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var receivedContentType string
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"errors":false}`))
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/_bulk",
		BulkItems: []tsc.BulkItem{
			{Action: map[string]interface{}{"index": map[string]interface{}{"_id": "1"}}, Document: map[string]interface{}{"field": "value"}},
		},
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, envelope.StatusCode)
	assert.Equal(t, "application/x-ndjson", receivedContentType)
	assert.NotEmpty(t, receivedBody)
}

func TestRetryPausesForSleepOnErrorInterval(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	config := testPoolConfig(closedServerURL(), healthy.URL)
	config.SleepOnErrorInterval = 75 // milliseconds

	cp, err := tsc.NewConnectionPool(config)
	assert.NoError(t, err)
	defer cp.Shutdown()

	transport, err := tsc.NewTransport(nil, nil, cp, tsc.NewJSONSerializer())
	assert.NoError(t, err)

	start := time.Now()
	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   &tsc.RequestMeta{MaxRetryCount: 1},
	})

	assert.NoError(t, err)
	assert.Equal(t, int32(2), envelope.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestRequestTimeoutDefaultsWhenUnconfigured(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	meta := &tsc.RequestMeta{}
	_, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   meta,
	})

	assert.NoError(t, err)
	assert.Equal(t, 10*time.Second, meta.RequestTimeout)
}

func TestConnectionFaultTriggersDiscovery(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var discoveryHits uint64
	var healthy *httptest.Server
	healthy = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_nodes/http" {
			atomic.AddUint64(&discoveryHits, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(discoveryBody(hostPortOf(healthy.URL), "127.0.0.1:9650")))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	transport, cp := newTestTransport(t, nil, closedServerURL(), healthy.URL)
	defer cp.Shutdown()

	sniffer := tsc.NewSniffer(&tsc.SnifferConfig{
		Enabled:                  true,
		SniffOnConnectionFailure: true,
	}, cp, tsc.NewJSONSerializer())
	transport.SetSniffer(sniffer)

	envelope, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodGet,
		Path:   "/",
		Meta:   &tsc.RequestMeta{MaxRetryCount: 1},
	})

	assert.NoError(t, err)
	assert.Equal(t, int32(2), envelope.Attempts)

	// The fault fires discovery in the background; wait for the pool to reconcile.
	assert.Eventually(t, func() bool {
		_, ok := findHost(cp, "http://127.0.0.1:9650")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(1), atomic.LoadUint64(&discoveryHits))
}

func TestEveryNthRequestTriggersDiscovery(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var discoveryHits uint64
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_nodes/http" {
			atomic.AddUint64(&discoveryHits, 1)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(discoveryBody(hostPortOf(server.URL), "127.0.0.1:9651")))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport, cp := newTestTransport(t, nil, server.URL)
	defer cp.Shutdown()

	sniffer := tsc.NewSniffer(&tsc.SnifferConfig{
		Enabled:             true,
		SniffEveryNRequests: 2,
	}, cp, tsc.NewJSONSerializer())
	transport.SetSniffer(sniffer)

	for i := 0; i < 2; i++ {
		_, err := transport.Request(context.Background(), &tsc.RequestDescriptor{
			Method: http.MethodGet,
			Path:   "/",
		})
		assert.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		_, ok := findHost(cp, "http://127.0.0.1:9651")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint64(1), atomic.LoadUint64(&discoveryHits))
}

func TestRequestCompressesBodyWithZstd(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "zstd", r.Header.Get("Content-Encoding"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		buffer := bytes.NewBuffer(raw)
		assert.NoError(t, tsc.DecompressWithZstd(buffer))
		received <- buffer.Bytes()

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cp, err := tsc.NewConnectionPool(testPoolConfig(server.URL))
	assert.NoError(t, err)
	defer cp.Shutdown()

	compression := &tsc.CompressionConfig{Enabled: true, Type: "zstd"}
	transport, err := tsc.NewTransport(nil, compression, cp, tsc.NewJSONSerializer())
	assert.NoError(t, err)

	_, err = transport.Request(context.Background(), &tsc.RequestDescriptor{
		Method: http.MethodPost,
		Path:   "/docs",
		Body:   map[string]string{"title": "compressed"},
	})
	assert.NoError(t, err)

	assert.Equal(t, `{"title":"compressed"}`, string(<-received))
}
