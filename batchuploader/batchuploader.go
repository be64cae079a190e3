// Package batchuploader implements the generic gzip+JSON telemetry batch
// upload used for the ordinary (non-Live-Metrics) ingestion pipeline: POST a
// batch of items, classify the response, and retry only when the backend
// indicates the failure is transient.
package batchuploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backend status codes that drive retry classification.
const (
	statusOK                  = http.StatusOK
	statusPartialContent      = http.StatusPartialContent
	statusRequestTimeout      = http.StatusRequestTimeout
	statusTooManyRequests     = http.StatusTooManyRequests
	statusApplicationInactive = 439
	statusInternalServerError = http.StatusInternalServerError
	statusServiceUnavailable  = http.StatusServiceUnavailable
)

// transmission mirrors the backend's batch response body: how many items it
// received versus accepted, and per-item rejection detail.
type transmission struct {
	ItemsReceived int                `json:"itemsReceived"`
	ItemsAccepted int                `json:"itemsAccepted"`
	Errors        []transmissionItem `json:"errors"`
}

type transmissionItem struct {
	Index      int `json:"index"`
	StatusCode int `json:"statusCode"`
}

// canRetryItem reports whether a per-item rejection is transient.
func canRetryItem(item transmissionItem) bool {
	switch item.StatusCode {
	case statusPartialContent, statusRequestTimeout, statusTooManyRequests,
		statusApplicationInactive, statusInternalServerError, statusServiceUnavailable:
		return true
	default:
		return false
	}
}

func anyItemRetryable(items []transmissionItem) bool {
	for _, item := range items {
		if canRetryItem(item) {
			return true
		}
	}
	return false
}

// UploadError reports that the backend rejected (all or part of) a batch. It
// carries CanRetry so callers outside this package (and canRetryOperation)
// can decide what to do without re-deriving the status-code table.
type UploadError struct {
	Status   int
	CanRetry bool
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("batchuploader: upload rejected with status %d", e.Status)
}

// connectionError wraps a failure that happened before any response was
// received (DNS, dial, TLS, timeout). These are always retryable.
type connectionError struct {
	err error
}

func (e *connectionError) Error() string { return fmt.Sprintf("batchuploader: connection error: %v", e.err) }
func (e *connectionError) Unwrap() error { return e.err }

// canRetryOperation decides whether the whole send attempt should be retried.
func canRetryOperation(err error) bool {
	var connErr *connectionError
	if errors.As(err, &connErr) {
		return true
	}
	var uploadErr *UploadError
	if errors.As(err, &uploadErr) {
		return uploadErr.CanRetry
	}
	return false
}

// handleResponse classifies a received HTTP response into success or a
// typed, retry-annotated error. It always closes the response body.
func handleResponse(resp *http.Response) error {
	defer resp.Body.Close()

	switch resp.StatusCode {
	case statusOK:
		return nil

	case statusPartialContent:
		t, err := decodeTransmission(resp.Body)
		if err != nil {
			return err
		}
		if t.ItemsReceived == t.ItemsAccepted {
			return nil
		}
		return &UploadError{Status: resp.StatusCode, CanRetry: anyItemRetryable(t.Errors)}

	case statusRequestTimeout, statusTooManyRequests, statusApplicationInactive, statusServiceUnavailable:
		return &UploadError{Status: resp.StatusCode, CanRetry: true}

	case statusInternalServerError:
		t, err := decodeTransmission(resp.Body)
		if err != nil {
			return err
		}
		return &UploadError{Status: resp.StatusCode, CanRetry: anyItemRetryable(t.Errors)}

	default:
		return &UploadError{Status: resp.StatusCode, CanRetry: false}
	}
}

func decodeTransmission(body io.Reader) (transmission, error) {
	var t transmission
	if err := json.NewDecoder(body).Decode(&t); err != nil {
		return transmission{}, fmt.Errorf("batchuploader: decode response body: %w", err)
	}
	return t, nil
}

// HTTPDoer is the subset of *http.Client the uploader depends on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures an Uploader.
type Options struct {
	HTTPClient HTTPDoer
	Endpoint   string

	// MaxElapsedTime bounds how long Upload keeps retrying a retryable
	// failure before giving up and returning it. Zero disables retry
	// entirely: Upload makes exactly one attempt.
	MaxElapsedTime time.Duration
}

// Uploader POSTs gzip-compressed JSON batches to a fixed endpoint, retrying
// transient failures with jittered exponential backoff.
type Uploader struct {
	client         HTTPDoer
	endpoint       string
	maxElapsedTime time.Duration
}

func New(opts Options) *Uploader {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Uploader{
		client:         client,
		endpoint:       opts.Endpoint,
		maxElapsedTime: opts.MaxElapsedTime,
	}
}

const (
	headerContentType     = "Content-Type"
	headerContentEncoding = "Content-Encoding"
	contentTypeJSON       = "application/json"
	contentEncodingGzip   = "gzip"
)

// Upload marshals items as a JSON array, gzip-compresses it, and POSTs it to
// the configured endpoint, retrying retryable failures until MaxElapsedTime
// elapses or ctx is done.
func (u *Uploader) Upload(ctx context.Context, items any) error {
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("batchuploader: marshal batch: %w", err)
	}
	compressed, err := gzipCompress(payload)
	if err != nil {
		return fmt.Errorf("batchuploader: gzip batch: %w", err)
	}

	if u.maxElapsedTime <= 0 {
		return u.attempt(ctx, compressed)
	}

	b := backoff.NewExponentialBackOff()

	start := time.Now()
	for {
		err := u.attempt(ctx, compressed)
		if err == nil {
			return nil
		}
		if !canRetryOperation(err) {
			return err
		}
		if time.Since(start) >= u.maxElapsedTime {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (u *Uploader) attempt(ctx context.Context, compressed []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("batchuploader: build request: %w", err)
	}
	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerContentEncoding, contentEncodingGzip)

	resp, err := u.client.Do(req)
	if err != nil {
		return &connectionError{err: err}
	}
	return handleResponse(resp)
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
