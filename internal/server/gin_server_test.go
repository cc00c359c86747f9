package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"sentry-tunnel/internal/events"
)

func TestRunServesAndShutsDown(t *testing.T) {
	srv := createGinTestServer(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = srv.Addr()
		if addr == "" {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if addr == "" {
		cancel()
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		cancel()
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		cancel()
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if srv.Addr() != "" {
		t.Fatal("address should be cleared after shutdown")
	}
}

func TestRunFailsOnBusyPort(t *testing.T) {
	first := createGinTestServer(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for first.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := first.Addr()
	if addr == "" {
		t.Fatal("first server did not start")
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	cfg := testConfig()
	if cfg.Port, err = strconv.Atoi(port); err != nil {
		t.Fatalf("port %s: %v", port, err)
	}
	second := createGinTestServer(t, cfg)
	if err := second.Run(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}

	cancel()
	<-done
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingReporter struct {
	mu    sync.Mutex
	errs  []error
	tags  []map[string]string
	got   chan struct{}
	block chan struct{}
}

func (r *recordingReporter) CaptureError(err error, tags map[string]string) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	if r.block != nil {
		<-r.block
	}
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func publishFailure(bus *events.Bus, id string) {
	bus.Publish(events.Event{Topic: events.TopicTunnelFailed, Payload: events.TunnelFailed{
		RequestID: id,
		Reason:    "upstream_error",
		Host:      "allowed-host",
		Err:       errors.New("upstream request failed: " + id),
	}})
}

func TestNewGinServerComponentOrder(t *testing.T) {
	srv := createGinTestServer(t, testConfig())
	want := []string{"monitor", "failure-reporter", "http"}
	if got := srv.supervisor.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("components = %v, want %v", got, want)
	}
}

func TestFailureReporterDrainsOnStop(t *testing.T) {
	bus := events.NewBus()
	rep := &recordingReporter{got: make(chan struct{}, 1)}
	comp := newFailureReporter(bus, rep, quietLogger())
	if err := comp.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		publishFailure(bus, strconv.Itoa(i))
	}
	if err := comp.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := rep.count(); got != 3 {
		t.Fatalf("expected 3 reported failures after stop, got %d", got)
	}

	publishFailure(bus, "late")
	if got := rep.count(); got != 3 {
		t.Fatalf("bus should be closed after stop, got %d reports", got)
	}
}

func TestFailureReporterLogsDroppedEvents(t *testing.T) {
	bus := events.NewBus()
	rep := &recordingReporter{got: make(chan struct{}, 1), block: make(chan struct{})}
	var logs bytes.Buffer
	comp := newFailureReporter(bus, rep, slog.New(slog.NewTextHandler(&logs, nil)))
	if err := comp.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	publishFailure(bus, "first")
	select {
	case <-rep.got:
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not receive first failure")
	}
	// The reporter is blocked on the first event; one more than the buffer
	// holds is dropped.
	for i := 0; i <= failureBuffer; i++ {
		publishFailure(bus, strconv.Itoa(i))
	}
	if got := bus.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	close(rep.block)
	if err := comp.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := rep.count(); got != failureBuffer+1 {
		t.Fatalf("reported %d failures, want %d", got, failureBuffer+1)
	}
	if !strings.Contains(logs.String(), "events_dropped=1") {
		t.Fatalf("dropped events not logged: %s", logs.String())
	}
}

func TestFailureReporterForwardsEvents(t *testing.T) {
	bus := events.NewBus()
	rep := &recordingReporter{got: make(chan struct{}, 1)}
	comp := newFailureReporter(bus, rep, quietLogger())
	if err := comp.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	boom := errors.New("host not allowed: evil-host")
	bus.Publish(events.Event{Topic: events.TopicTunnelFailed, Payload: events.TunnelFailed{
		RequestID: "req-1",
		Reason:    "invalid_host",
		Host:      "evil-host",
		Err:       boom,
	}})

	select {
	case <-rep.got:
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not receive failure")
	}
	if err := comp.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.errs) != 1 || !errors.Is(rep.errs[0], boom) {
		t.Fatalf("unexpected errors %v", rep.errs)
	}
	if rep.tags[0]["tunnel.reason"] != "invalid_host" || rep.tags[0]["tunnel.host"] != "evil-host" {
		t.Fatalf("unexpected tags %v", rep.tags[0])
	}
}
