package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeReportsRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/2048")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	f := New(5*time.Second, "test-agent", 0)
	result, err := f.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !result.AcceptRanges {
		t.Error("AcceptRanges should be true for a 206 response")
	}
	if result.TotalBytes != 2048 {
		t.Errorf("TotalBytes = %d, want 2048", result.TotalBytes)
	}
}

func TestProbeFallsBackToContentLengthOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(5*time.Second, "test-agent", 0)
	result, err := f.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.AcceptRanges {
		t.Error("AcceptRanges should be false for a 200 response")
	}
	if result.TotalBytes != 4096 {
		t.Errorf("TotalBytes = %d, want 4096", result.TotalBytes)
	}
}

func TestFetchRangeSendsRangeHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := New(5*time.Second, "test-agent", 0)
	body, resp, err := f.FetchRange(context.Background(), RangeRequest{URL: srv.URL, Start: 0, End: 4})
	if err != nil {
		t.Fatalf("FetchRange() error = %v", err)
	}
	defer body.Close()

	if gotRange != "bytes=0-4" {
		t.Errorf("Range header = %q, want bytes=0-4", gotRange)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", resp.StatusCode)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("body = %q, want hello", data)
	}
}

func TestFetchRangeReturnsErrorOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(5*time.Second, "test-agent", 0)
	_, _, err := f.FetchRange(context.Background(), RangeRequest{URL: srv.URL, Start: 0, End: -1})
	if err == nil {
		t.Error("expected an error for a 500 response")
	}
}
