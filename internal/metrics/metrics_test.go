package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.CommandSubmitted()
	c.CommandRejected("backpressure")
	c.CommandWritten(time.Millisecond)
	c.CommandFailed()
	c.VideoFrame(10)
	c.VideoStalled()
	c.SessionOpened()
	c.SetSessionState(2)
	if c.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.CommandSubmitted()
	c.CommandSubmitted()
	c.CommandRejected("backpressure")
	c.VideoFrame(100)
	c.VideoFrame(50)
	c.SetSessionState(3)

	if got := testutil.ToFloat64(c.commandsSubmitted); got != 2 {
		t.Fatalf("submitted: got %v", got)
	}
	if got := testutil.ToFloat64(c.commandsRejected.WithLabelValues("backpressure")); got != 1 {
		t.Fatalf("rejected: got %v", got)
	}
	if got := testutil.ToFloat64(c.videoBytes); got != 150 {
		t.Fatalf("video bytes: got %v", got)
	}
	if got := testutil.ToFloat64(c.sessionState); got != 3 {
		t.Fatalf("session state: got %v", got)
	}
}

func TestExporterHandlerServesMetricsAndHealth(t *testing.T) {
	c := New()
	c.SessionOpened()
	srv := httptest.NewServer(NewExporter("", c).Handler())
	defer srv.Close()

	body := get(t, srv.URL+"/metrics")
	if !strings.Contains(body, "kiwilink_sessions_opened_total") {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
	if got := get(t, srv.URL+"/health"); got != "ok" {
		t.Fatalf("unexpected health body %q", got)
	}
}

func TestExporterStartAndShutdown(t *testing.T) {
	e := NewExporter("127.0.0.1:0", New())
	addr, err := e.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := get(t, "http://"+addr+"/health"); got != "ok" {
		t.Fatalf("unexpected health body %q", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	return string(raw)
}
