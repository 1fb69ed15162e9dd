package kuma

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/upstatushq/kuma-client/internal/socketio"
	"github.com/upstatushq/kuma-client/pkg/types"
)

// fakeTransport stands in for the socket.io connection. Pushed events are
// simulated by routing certain emits back through registered handlers, and
// acknowledgements are scripted per event name.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string][]socketio.Handler
	emitted  []string
	acked    []string
	closed   bool

	// listPayload is pushed as a monitorList event whenever the client
	// requests the list; nil means the request is silently dropped.
	listPayload map[string]types.Monitor
	// ackFor scripts EmitWithAck replies by event name.
	ackFor map[string]func() ([]json.RawMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string][]socketio.Handler),
		ackFor:   make(map[string]func() ([]json.RawMessage, error)),
	}
}

func (f *fakeTransport) On(event string, handler socketio.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeTransport) Emit(event string, args ...any) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, event)
	payload := f.listPayload
	handlers := append([]socketio.Handler(nil), f.handlers["monitorList"]...)
	f.mu.Unlock()

	if event == "getMonitorList" && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		go func() {
			for _, h := range handlers {
				h([]json.RawMessage{data})
			}
		}()
	}
	return nil
}

func (f *fakeTransport) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.acked = append(f.acked, event)
	reply := f.ackFor[event]
	f.mu.Unlock()

	if reply == nil {
		return []json.RawMessage{json.RawMessage(`{"ok":true}`)}, nil
	}
	return reply()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) ackedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func newTestClient(t *testing.T, transport *fakeTransport) *Client {
	t.Helper()
	client, err := New(Config{
		Entrypoint:      "http://kuma.test:3001",
		Auth:            types.Authentication{Username: "admin", Password: "secret"},
		SettleDelay:     time.Millisecond,
		LoginTimeout:    time.Second,
		ListTimeout:     500 * time.Millisecond,
		AckPollInterval: 10 * time.Millisecond,
		AckMaxPolls:     20,
	}, Dependencies{
		Dial: func(ctx context.Context, opts socketio.Options) (Transport, error) {
			return transport, nil
		},
		Sleep: func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func listOf(monitors ...types.Monitor) map[string]types.Monitor {
	out := make(map[string]types.Monitor, len(monitors))
	for i, m := range monitors {
		out[fmt.Sprintf("%d", i+1)] = m
	}
	return out
}

func TestNewRequiresEntrypoint(t *testing.T) {
	if _, err := New(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error for missing entrypoint")
	}
}

func TestRefreshMonitorListConnectsAndLogsIn(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP))
	client := newTestClient(t, transport)

	if client.Connected() {
		t.Fatalf("client must not connect before the first operation")
	}
	if err := client.RefreshMonitorList(context.Background()); err != nil {
		t.Fatalf("RefreshMonitorList: %v", err)
	}
	if !client.Connected() {
		t.Fatalf("expected an active session after refresh")
	}

	acked := transport.ackedEvents()
	if len(acked) != 1 || acked[0] != "login" {
		t.Fatalf("expected exactly one login, got %v", acked)
	}

	monitors := client.Monitors()
	if len(monitors) != 1 {
		t.Fatalf("expected 1 cached monitor, got %d", len(monitors))
	}
	if _, ok := monitors["0-svc"]; !ok {
		t.Fatalf("monitor not cached under its uid: %v", monitors)
	}
}

func TestRefreshMonitorListTimesOut(t *testing.T) {
	transport := newFakeTransport() // listPayload nil, request dropped
	client := newTestClient(t, transport)

	err := client.RefreshMonitorList(context.Background())
	if !errors.Is(err, ErrListRefreshTimedOut) {
		t.Fatalf("expected ErrListRefreshTimedOut, got %v", err)
	}
}

func TestDialFailureWrapsConnectionError(t *testing.T) {
	client, err := New(Config{Entrypoint: "http://kuma.test:3001"}, Dependencies{
		Dial: func(ctx context.Context, opts socketio.Options) (Transport, error) {
			return nil, errors.New("connection refused")
		},
		Sleep: func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := client.RefreshMonitorList(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestLoginRejectionWithCredentialsFails(t *testing.T) {
	transport := newFakeTransport()
	transport.ackFor["login"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"ok":false,"msg":"bad password"}`)}, nil
	}
	client := newTestClient(t, transport)

	err := client.RefreshMonitorList(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if client.Connected() {
		t.Fatalf("failed login must not leave a session behind")
	}
	if !transport.closed {
		t.Fatalf("transport must be closed after a failed login")
	}
}

func TestLoginRejectionWithoutCredentialsTolerated(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP))
	transport.ackFor["login"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"ok":false}`)}, nil
	}

	client, err := New(Config{
		Entrypoint:  "http://kuma.test:3001",
		SettleDelay: time.Millisecond,
		ListTimeout: 500 * time.Millisecond,
	}, Dependencies{
		Dial: func(ctx context.Context, opts socketio.Options) (Transport, error) {
			return transport, nil
		},
		Sleep: func(time.Duration) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := client.RefreshMonitorList(context.Background()); err != nil {
		t.Fatalf("auth-disabled server must not fail login: %v", err)
	}
}

func TestAddMonitorSuccess(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("existing", types.MonitorHTTP))
	transport.ackFor["add"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"ok":true,"msg":"Added Successfully.","monitorID":42}`)}, nil
	}
	client := newTestClient(t, transport)

	monitor := types.NewMonitor("new-svc", types.MonitorHTTP)
	monitor.URL = "https://example.org"
	created, err := client.AddMonitor(context.Background(), monitor)
	if err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}
	if created.ID == nil || *created.ID != 42 {
		t.Fatalf("expected server-assigned id 42, got %+v", created.ID)
	}
	if monitor.ID != nil {
		t.Fatalf("input monitor must not be mutated")
	}
}

func TestAddMonitorAckAsArrayTolerated(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf()
	transport.listPayload["1"] = types.NewMonitor("existing", types.MonitorHTTP)
	transport.ackFor["add"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`[{"ok":true,"monitorID":7}]`)}, nil
	}
	client := newTestClient(t, transport)

	created, err := client.AddMonitor(context.Background(), types.NewMonitor("new-svc", types.MonitorHTTP))
	if err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}
	if created.ID == nil || *created.ID != 7 {
		t.Fatalf("expected id 7, got %+v", created.ID)
	}
}

func TestAddMonitorDuplicateRejectedLocally(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP))
	client := newTestClient(t, transport)

	_, err := client.AddMonitor(context.Background(), types.NewMonitor("svc", types.MonitorHTTP))
	if !errors.Is(err, ErrDuplicateMonitor) {
		t.Fatalf("expected ErrDuplicateMonitor, got %v", err)
	}
	for _, event := range transport.ackedEvents() {
		if event == "add" {
			t.Fatalf("duplicate must be rejected before reaching the server")
		}
	}
}

func TestAddMonitorSameNameDifferentParentAllowed(t *testing.T) {
	parent := int64(3)
	existing := types.NewMonitor("svc", types.MonitorHTTP)
	existing.Parent = &parent

	transport := newFakeTransport()
	transport.listPayload = listOf(existing)
	transport.ackFor["add"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"ok":true,"monitorID":9}`)}, nil
	}
	client := newTestClient(t, transport)

	if _, err := client.AddMonitor(context.Background(), types.NewMonitor("svc", types.MonitorHTTP)); err != nil {
		t.Fatalf("same name under a different parent must be allowed: %v", err)
	}
}

func TestAddMonitorServerRejection(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("existing", types.MonitorHTTP))
	transport.ackFor["add"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`{"ok":false,"msg":"invalid url"}`)}, nil
	}
	client := newTestClient(t, transport)

	_, err := client.AddMonitor(context.Background(), types.NewMonitor("new-svc", types.MonitorHTTP))
	if !errors.Is(err, ErrCreationFailed) {
		t.Fatalf("expected ErrCreationFailed, got %v", err)
	}
}

func TestAddMonitorMalformedAck(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("existing", types.MonitorHTTP))
	transport.ackFor["add"] = func() ([]json.RawMessage, error) {
		return []json.RawMessage{json.RawMessage(`"surprise"`)}, nil
	}
	client := newTestClient(t, transport)

	_, err := client.AddMonitor(context.Background(), types.NewMonitor("new-svc", types.MonitorHTTP))
	if !errors.Is(err, ErrCreationFailed) {
		t.Fatalf("expected ErrCreationFailed for malformed ack, got %v", err)
	}
}

func TestAddMonitorAckTimeout(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("existing", types.MonitorHTTP))
	transport.ackFor["add"] = func() ([]json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	}
	client := newTestClient(t, transport)

	_, err := client.AddMonitor(context.Background(), types.NewMonitor("new-svc", types.MonitorHTTP))
	if !errors.Is(err, ErrCreationFailed) {
		t.Fatalf("expected ErrCreationFailed on ack timeout, got %v", err)
	}
}

func TestSearchMonitorFilters(t *testing.T) {
	parent := int64(5)
	child := types.NewMonitor("svc", types.MonitorHTTP)
	child.Parent = &parent
	other := types.NewMonitor("other", types.MonitorPing)

	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP), child, other)
	client := newTestClient(t, transport)

	name := "svc"
	byName := client.SearchMonitor(context.Background(), Filter{Name: &name})
	if len(byName) != 2 {
		t.Fatalf("expected 2 monitors named svc, got %d", len(byName))
	}

	byParent := client.SearchMonitor(context.Background(), Filter{ParentID: &parent})
	if len(byParent) != 1 {
		t.Fatalf("expected 1 monitor under parent 5, got %d", len(byParent))
	}
	if _, ok := byParent["5-svc"]; !ok {
		t.Fatalf("unexpected parent search result: %v", byParent)
	}

	both := client.SearchMonitor(context.Background(), Filter{Name: &name, ParentID: &parent})
	if len(both) != 1 {
		t.Fatalf("expected 1 monitor for combined filter, got %d", len(both))
	}

	all := client.SearchMonitor(context.Background(), Filter{})
	if len(all) != 3 {
		t.Fatalf("empty filter must return everything, got %d", len(all))
	}
}

func TestSearchMonitorParentFilterSkipsParentless(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP))
	client := newTestClient(t, transport)

	parent := int64(1)
	results := client.SearchMonitor(context.Background(), Filter{ParentID: &parent})
	if len(results) != 0 {
		t.Fatalf("parentless monitors must not match a parent filter: %v", results)
	}
}

func TestSearchMonitorRefreshFailureYieldsEmpty(t *testing.T) {
	transport := newFakeTransport() // list request dropped
	client := newTestClient(t, transport)

	results := client.SearchMonitor(context.Background(), Filter{})
	if len(results) != 0 {
		t.Fatalf("expected no results when refresh fails, got %v", results)
	}
}

func TestFindMonitorRequiresExactlyOneMatch(t *testing.T) {
	parent := int64(2)
	child := types.NewMonitor("svc", types.MonitorHTTP)
	child.Parent = &parent

	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP), child)
	client := newTestClient(t, transport)

	name := "svc"
	if _, ok := client.FindMonitor(context.Background(), Filter{Name: &name}); ok {
		t.Fatalf("two matches must not resolve to one monitor")
	}

	monitor, ok := client.FindMonitor(context.Background(), Filter{Name: &name, ParentID: &parent})
	if !ok {
		t.Fatalf("expected a unique match")
	}
	if monitor.UID() != "2-svc" {
		t.Fatalf("unexpected match: %s", monitor.UID())
	}

	missing := "absent"
	if _, ok := client.FindMonitor(context.Background(), Filter{Name: &missing}); ok {
		t.Fatalf("zero matches must not resolve to a monitor")
	}
}

func TestDisconnect(t *testing.T) {
	transport := newFakeTransport()
	transport.listPayload = listOf(types.NewMonitor("svc", types.MonitorHTTP))
	client := newTestClient(t, transport)

	if err := client.RefreshMonitorList(context.Background()); err != nil {
		t.Fatalf("RefreshMonitorList: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !transport.closed {
		t.Fatalf("transport was not closed")
	}
	if client.Connected() {
		t.Fatalf("client still reports a session")
	}
	if err := client.Disconnect(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected on second disconnect, got %v", err)
	}
	if len(client.Monitors()) != 1 {
		t.Fatalf("cache must survive a disconnect")
	}
}
