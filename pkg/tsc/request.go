package tsc

import (
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// RequestDescriptor contains the request body and address of where things are going.
// Exactly one of Body, RawBody or BulkItems should be set for requests that carry a
// payload.
type RequestDescriptor struct {
	Method    string
	Path      string
	Query     url.Values
	Headers   http.Header
	Body      interface{} // structured body, encoded by the Serializer
	RawBody   []byte      // pre-encoded body, passed through untouched
	BulkItems []BulkItem  // newline-delimited streaming body
	Meta      *RequestMeta
}

// RequestMeta tracks the per-call bookkeeping the Transport owns for the duration of
// a request.
type RequestMeta struct {
	RequestID      string
	Attempt        int32
	MaxRetryCount  uint32
	RequestTimeout time.Duration
	aborted        int32
}

// NewRequestMeta creates a RequestMeta with a unique RequestID.
func NewRequestMeta(maxRetryCount uint32, requestTimeout time.Duration) *RequestMeta {
	return &RequestMeta{
		RequestID:      uuid.New().String(),
		MaxRetryCount:  maxRetryCount,
		RequestTimeout: requestTimeout,
	}
}

// Abort flags the request for cancellation. The Transport observes the flag at every
// suspension point and stops without further network activity.
func (meta *RequestMeta) Abort() {
	atomic.StoreInt32(&meta.aborted, 1)
}

// IsAborted checks whether the caller has flagged this request for cancellation.
func (meta *RequestMeta) IsAborted() bool {
	return atomic.LoadInt32(&meta.aborted) == 1
}

// BulkItem is a single unit of a newline-delimited streaming payload - an action
// line and an optional document line.
type BulkItem struct {
	Action   interface{}
	Document interface{}
}

// ResponseEnvelope is what every successful exchange returns, regardless of HTTP
// status. Error statuses (4xx/5xx) are valid responses carrying an error status,
// interpreted by the caller layer.
type ResponseEnvelope struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Decoded    interface{} // body decoded by the Serializer, nil for empty bodies
	Attempts   int32       // total attempts consumed to produce this response
}

// Err converts an error-status envelope into a ResponseError for callers that prefer
// to treat HTTP errors as Go errors. Returns nil for statuses below 400.
func (env *ResponseEnvelope) Err() error {
	if env.StatusCode < 400 {
		return nil
	}

	return &ResponseError{
		StatusCode: env.StatusCode,
		Body:       env.Body,
	}
}
