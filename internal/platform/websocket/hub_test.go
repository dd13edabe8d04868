package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestClient(hub *Hub, id string, rooms ...string) *Client {
	return &Client{
		ID:    id,
		Rooms: rooms,
		Send:  make(chan []byte, 256),
		hub:   hub,
	}
}

func receiveEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return Event{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s unexpectedly received %s", c.ID, msg)
	default:
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "client-1", RoomScans)

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.RoomCount(RoomScans) != 1 {
		t.Fatalf("expected 1 client in scans, got %d", hub.RoomCount(RoomScans))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "client-2", RoomPatients)

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.RoomCount(RoomPatients) != 0 {
		t.Fatalf("expected 0 clients in patients, got %d", hub.RoomCount(RoomPatients))
	}
}

func TestHub_BroadcastToRoom(t *testing.T) {
	hub := NewHub()
	subscriber := newTestClient(hub, "sub-1", RoomScans)
	nonSubscriber := newTestClient(hub, "non-sub-1", RoomScanners)

	hub.Register(subscriber)
	hub.Register(nonSubscriber)

	hub.Broadcast(RoomScans, Event{
		Type:         "scan.transitioned",
		Room:         RoomScans,
		ResourceType: "scan",
		ResourceID:   uuid.New().String(),
		Timestamp:    time.Now(),
	})

	ev := receiveEvent(t, subscriber)
	if ev.Type != "scan.transitioned" {
		t.Fatalf("expected scan.transitioned, got %s", ev.Type)
	}
	assertSilent(t, nonSubscriber)
}

func TestHub_BroadcastAll(t *testing.T) {
	hub := NewHub()
	c1 := newTestClient(hub, "all-1", RoomScans)
	c2 := newTestClient(hub, "all-2", RoomScanners)

	hub.Register(c1)
	hub.Register(c2)

	hub.BroadcastAll(Event{
		Type:      "system.alert",
		Timestamp: time.Now(),
	})

	for _, c := range []*Client{c1, c2} {
		ev := receiveEvent(t, c)
		if ev.Type != "system.alert" {
			t.Fatalf("client %s: expected system.alert, got %s", c.ID, ev.Type)
		}
	}
}

func TestHub_ClientCount(t *testing.T) {
	hub := NewHub()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0, got %d", hub.ClientCount())
	}

	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = newTestClient(hub, "count-"+string(rune('a'+i)), RoomDashboard)
		hub.Register(clients[i])
	}

	if hub.ClientCount() != 5 {
		t.Fatalf("expected 5, got %d", hub.ClientCount())
	}

	hub.Unregister(clients[0])
	hub.Unregister(clients[1])

	if hub.ClientCount() != 3 {
		t.Fatalf("expected 3, got %d", hub.ClientCount())
	}
}

func TestHub_RoomCount(t *testing.T) {
	hub := NewHub()
	c1 := newTestClient(hub, "rc-1", RoomScans)
	c2 := newTestClient(hub, "rc-2", RoomScans)
	c3 := newTestClient(hub, "rc-3", RoomPatients)

	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)

	if hub.RoomCount(RoomScans) != 2 {
		t.Fatalf("expected 2 in scans, got %d", hub.RoomCount(RoomScans))
	}
	if hub.RoomCount(RoomPatients) != 1 {
		t.Fatalf("expected 1 in patients, got %d", hub.RoomCount(RoomPatients))
	}
	if hub.RoomCount("nonexistent") != 0 {
		t.Fatalf("expected 0 in nonexistent, got %d", hub.RoomCount("nonexistent"))
	}
}

func TestHub_MultipleRooms(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "multi-1", RoomScans, RoomScanners)
	hub.Register(client)

	hub.Broadcast(RoomScans, Event{
		Type:      "scan.transitioned",
		Room:      RoomScans,
		Timestamp: time.Now(),
	})

	ev := receiveEvent(t, client)
	if ev.Room != RoomScans {
		t.Fatalf("expected room scans, got %s", ev.Room)
	}

	if hub.RoomCount(RoomScans) != 1 {
		t.Fatalf("expected 1 in scans, got %d", hub.RoomCount(RoomScans))
	}
	if hub.RoomCount(RoomScanners) != 1 {
		t.Fatalf("expected 1 in scanners, got %d", hub.RoomCount(RoomScanners))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "close-1", RoomDashboard)

	hub.Register(client)
	hub.Unregister(client)

	_, ok := <-client.Send
	if ok {
		t.Fatal("expected Send channel to be closed after unregister")
	}
}

func TestHub_BroadcastToEmptyRoom(t *testing.T) {
	hub := NewHub()

	// Should not panic with nobody listening.
	hub.Broadcast(RoomScanners, Event{
		Type:      "scanner.status_changed",
		Room:      RoomScanners,
		Timestamp: time.Now(),
	})
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	clients := make([]*Client, n)
	for i := 0; i < n; i++ {
		clients[i] = newTestClient(hub, "concurrent-"+string(rune(i)), RoomDashboard)
	}

	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			hub.Register(clients[idx])
		}(i)
	}
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			hub.Unregister(clients[idx])
		}(i)
	}

	wg.Wait()

	if hub.ClientCount() < 0 {
		t.Fatalf("client count should not be negative, got %d", hub.ClientCount())
	}
}

func TestHub_SubscribeSwitchesRooms(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "dyn-1")
	hub.Register(client)

	hub.Subscribe(client, []string{RoomScans, RoomDashboard})

	if hub.RoomCount(RoomScans) != 1 || hub.RoomCount(RoomDashboard) != 1 {
		t.Fatal("subscribe did not add the client to both rooms")
	}

	hub.Unsubscribe(client, []string{RoomScans})

	if hub.RoomCount(RoomScans) != 0 {
		t.Fatalf("expected 0 in scans after unsubscribe, got %d", hub.RoomCount(RoomScans))
	}
	if hub.RoomCount(RoomDashboard) != 1 {
		t.Fatalf("expected dashboard membership to survive, got %d", hub.RoomCount(RoomDashboard))
	}
}

func TestHub_SubscribeIgnoresUnknownRooms(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "dyn-2")
	hub.Register(client)

	hub.Subscribe(client, []string{"boiler-room", RoomPatients})

	if hub.RoomCount("boiler-room") != 0 {
		t.Fatal("unknown room must not be created")
	}
	if hub.RoomCount(RoomPatients) != 1 {
		t.Fatal("valid room in the same request must still apply")
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "pm-1")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Rooms: []string{RoomScans}})
	if hub.RoomCount(RoomScans) != 1 {
		t.Fatal("subscribe message not applied")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Rooms: []string{RoomScans}})
	if hub.RoomCount(RoomScans) != 0 {
		t.Fatal("unsubscribe message not applied")
	}
}

// ---------------------------------------------------------------------------
// Event tests
// ---------------------------------------------------------------------------

func TestEvent_JSONSerialization(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := uuid.New().String()
	event := Event{
		Type:         "scan.transitioned",
		Room:         RoomScans,
		ResourceType: "scan",
		ResourceID:   id,
		Timestamp:    ts,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.Type != event.Type || decoded.Room != event.Room {
		t.Fatalf("envelope mismatch: %+v", decoded)
	}
	if decoded.ResourceID != id || !decoded.Timestamp.Equal(ts) {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestEvent_WithData(t *testing.T) {
	event := Event{
		Type:      "patient.status_changed",
		Room:      RoomPatients,
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"from":"waiting","to":"in_prep"}`),
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if payload["to"] != "in_prep" {
		t.Fatalf("expected to=in_prep, got %v", payload["to"])
	}
}

// ---------------------------------------------------------------------------
// Publisher tests
// ---------------------------------------------------------------------------

func TestHub_PublishEvent(t *testing.T) {
	hub := NewHub()
	client := newTestClient(hub, "pub-1", RoomScanners)
	hub.Register(client)

	var publisher EventPublisher = hub

	id := uuid.New().String()
	err := publisher.Publish(context.Background(), Event{
		Type:         "scanner.status_changed",
		Room:         RoomScanners,
		ResourceType: "scanner",
		ResourceID:   id,
		Timestamp:    time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := receiveEvent(t, client)
	if ev.ResourceID != id {
		t.Fatalf("expected resource %s, got %s", id, ev.ResourceID)
	}
}

// ---------------------------------------------------------------------------
// Broadcast helper tests
// ---------------------------------------------------------------------------

func TestBroadcastScan_MirrorsToDashboard(t *testing.T) {
	hub := NewHub()
	scansClient := newTestClient(hub, "b-scans", RoomScans)
	dashClient := newTestClient(hub, "b-dash", RoomDashboard)
	patientsClient := newTestClient(hub, "b-patients", RoomPatients)
	hub.Register(scansClient)
	hub.Register(dashClient)
	hub.Register(patientsClient)

	scanID := uuid.New()
	hub.BroadcastScan("scan.transitioned", scanID, map[string]string{"to": "in_progress"})

	for _, c := range []*Client{scansClient, dashClient} {
		ev := receiveEvent(t, c)
		if ev.Type != "scan.transitioned" || ev.ResourceID != scanID.String() {
			t.Fatalf("client %s: unexpected event %+v", c.ID, ev)
		}
		var payload map[string]string
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("client %s: decode data: %v", c.ID, err)
		}
		if payload["to"] != "in_progress" {
			t.Fatalf("client %s: payload %v", c.ID, payload)
		}
	}
	assertSilent(t, patientsClient)
}

func TestBroadcastQueue_DashboardOnly(t *testing.T) {
	hub := NewHub()
	dashClient := newTestClient(hub, "q-dash", RoomDashboard)
	scansClient := newTestClient(hub, "q-scans", RoomScans)
	hub.Register(dashClient)
	hub.Register(scansClient)

	hub.BroadcastQueue(map[string]int{"scheduled": 3})

	ev := receiveEvent(t, dashClient)
	if ev.Type != "queue.completed" {
		t.Fatalf("expected queue.completed, got %s", ev.Type)
	}
	assertSilent(t, scansClient)
}

func TestNotificationCreated_CarriesPayload(t *testing.T) {
	hub := NewHub()
	dashClient := newTestClient(hub, "n-dash", RoomDashboard)
	hub.Register(dashClient)

	id := uuid.New()
	recipient := uuid.New()
	hub.NotificationCreated(id, map[string]string{"user_id": recipient.String(), "subject": "Scan complete"})

	ev := receiveEvent(t, dashClient)
	if ev.Type != "notification.created" || ev.ResourceID != id.String() {
		t.Fatalf("unexpected event %+v", ev)
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if payload["user_id"] != recipient.String() {
		t.Fatalf("payload %v, want the recipient carried through", payload)
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func TestWebSocketHandler_RegisterRoutes(t *testing.T) {
	hub := NewHub()
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	handler.RegisterRoutes(e)

	found := false
	for _, r := range e.Routes() {
		if r.Path == "/ws" && r.Method == http.MethodGet {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected GET /ws route to be registered")
	}
}

func TestWebSocketHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	hub := NewHub()
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := handler.HandleConnect(c)

	// gorilla/websocket rejects plain HTTP requests
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}
