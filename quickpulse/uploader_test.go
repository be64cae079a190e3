package quickpulse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alexbrt/opentelemetry-application-insights/internal/testutil/httpmock"
)

func TestUploaderSendSuccessParsesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get(headerContentType) != contentTypeJSON {
			t.Errorf("expected JSON content type, got %s", r.Header.Get(headerContentType))
		}
		w.Header().Set(headerSubscribed, "True")
		w.Header().Set(headerPollHint, "2500")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint, _ := url.Parse(srv.URL)
	u := newUploader(srv.Client())
	result, err := u.send(context.Background(), endpoint, ModePing, Envelope{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.shouldPost {
		t.Fatalf("expected shouldPost true from case-insensitive header value")
	}
	if result.pollingIntervalHint == nil || *result.pollingIntervalHint != 2500*time.Millisecond {
		t.Fatalf("expected 2500ms polling hint, got %v", result.pollingIntervalHint)
	}
	if result.redirectedAuthority != nil {
		t.Fatalf("expected no redirect, got %v", result.redirectedAuthority)
	}
}

func TestUploaderSendMalformedHintIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerPollHint, "not-a-number")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint, _ := url.Parse(srv.URL)
	u := newUploader(srv.Client())
	result, err := u.send(context.Background(), endpoint, ModePost, Envelope{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.pollingIntervalHint != nil {
		t.Fatalf("expected malformed hint to be ignored, got %v", result.pollingIntervalHint)
	}
}

func TestUploaderSendRedirectRequiresHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerRedirect, "/just-a-path")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint, _ := url.Parse(srv.URL)
	u := newUploader(srv.Client())
	result, err := u.send(context.Background(), endpoint, ModePost, Envelope{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.redirectedAuthority != nil {
		t.Fatalf("expected host-less redirect value to be ignored, got %v", result.redirectedAuthority)
	}
}

func TestUploaderSendNonSuccessStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	endpoint, _ := url.Parse(srv.URL)
	u := newUploader(srv.Client())
	_, err := u.send(context.Background(), endpoint, ModePost, Envelope{})
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestUploaderSendRoutesPingAndPostToDistinctPaths(t *testing.T) {
	mock := httpmock.NewServer([]httpmock.RouteSpec{
		{
			Pattern:     "/QuickPulseService.svc/ping",
			MatchPrefix: true,
			Status:      http.StatusOK,
			Headers:     map[string]string{headerSubscribed: "false"},
		},
		{
			Pattern:     "/QuickPulseService.svc/post",
			MatchPrefix: true,
			Status:      http.StatusOK,
			Headers:     map[string]string{headerSubscribed: "true"},
		},
	})
	defer mock.Close()

	pingEndpoint, _ := url.Parse(mock.URL() + "/QuickPulseService.svc/ping")
	postEndpoint, _ := url.Parse(mock.URL() + "/QuickPulseService.svc/post")
	u := newUploader(http.DefaultClient)

	pingResult, err := u.send(context.Background(), pingEndpoint, ModePing, Envelope{})
	if err != nil {
		t.Fatalf("ping send: %v", err)
	}
	if pingResult.shouldPost {
		t.Fatalf("expected ping route's shouldPost false, got true")
	}

	postResult, err := u.send(context.Background(), postEndpoint, ModePost, Envelope{})
	if err != nil {
		t.Fatalf("post send: %v", err)
	}
	if !postResult.shouldPost {
		t.Fatalf("expected post route's shouldPost true, got false")
	}
}

func TestReplaceAuthorityPreservesPath(t *testing.T) {
	endpoint, _ := url.Parse("https://original.example.com/QuickPulseService.svc/post")
	redirect, _ := url.Parse("https://redirected.example.com")

	out := replaceAuthority(endpoint, redirect)
	if out.Scheme != "https" || out.Host != "redirected.example.com" {
		t.Fatalf("expected scheme/host swapped, got %v", out)
	}
	if out.Path != "/QuickPulseService.svc/post" {
		t.Fatalf("expected path preserved, got %q", out.Path)
	}
}
