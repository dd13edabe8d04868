package websocket

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// Broadcast helpers used by the wiring layer to fan domain events out to
// subscribed clients. Every event is mirrored into the dashboard room so
// the overview screen stays live without joining each resource room.

func (h *Hub) emit(room, eventType, resourceType, resourceID string, payload interface{}) {
	ev := Event{
		Type:         eventType,
		Room:         room,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Timestamp:    time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("websocket: failed to marshal %s payload: %v", eventType, err)
			return
		}
		ev.Data = data
	}
	h.Broadcast(room, ev)
	if room != RoomDashboard {
		ev.Room = RoomDashboard
		h.Broadcast(RoomDashboard, ev)
	}
}

// BroadcastScan pushes a scan lifecycle event to the scans room.
func (h *Hub) BroadcastScan(eventType string, scanID uuid.UUID, payload interface{}) {
	h.emit(RoomScans, eventType, "scan", scanID.String(), payload)
}

// BroadcastPatient pushes a patient journey event to the patients room.
func (h *Hub) BroadcastPatient(eventType string, patientID uuid.UUID, payload interface{}) {
	h.emit(RoomPatients, eventType, "patient", patientID.String(), payload)
}

// BroadcastScanner pushes a fleet change to the scanners room.
func (h *Hub) BroadcastScanner(eventType string, scannerID uuid.UUID, payload interface{}) {
	h.emit(RoomScanners, eventType, "scanner", scannerID.String(), payload)
}

// BroadcastQueue pushes a queue pass summary to the dashboard.
func (h *Hub) BroadcastQueue(payload interface{}) {
	h.emit(RoomDashboard, "queue.completed", "queue", "", payload)
}

// NotificationCreated pushes a fresh in-app notification to the dashboard.
// The payload carries the recipient, clients filter on it.
func (h *Hub) NotificationCreated(id uuid.UUID, payload interface{}) {
	h.emit(RoomDashboard, "notification.created", "notification", id.String(), payload)
}
