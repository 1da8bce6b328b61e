package commhub

import (
	"encoding/json"
	"os"
	"time"

	"github.com/jcafeitosa/omni-agent/internal/eventlog"
)

// Snapshot is the exportState/importState wire format: a full workspace
// dump plus the watermark of the event log it was taken at.
type Snapshot struct {
	Workspace   *Workspace `json:"workspace"`
	ExportedAt  time.Time  `json:"exportedAt"`
	EventLogLen int        `json:"eventLogLen"`
}

// ExportState serializes a workspace to JSON (§4.9 exportState).
func (h *Hub) ExportState(workspaceID string) ([]byte, error) {
	h.mu.RLock()
	ws, ok := h.workspaces[workspaceID]
	h.mu.RUnlock()
	if !ok {
		ws = &Workspace{ID: workspaceID}
	}

	return json.MarshalIndent(Snapshot{Workspace: ws, ExportedAt: time.Now()}, "", "  ")
}

// ImportState replaces a workspace wholesale from a prior ExportState
// dump (§4.9 importState).
func (h *Hub) ImportState(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	if snap.Workspace == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if snap.Workspace.Agents == nil {
		snap.Workspace.Agents = make(map[string]*Agent)
	}
	if snap.Workspace.Channels == nil {
		snap.Workspace.Channels = make(map[string]*Channel)
	}
	if snap.Workspace.Messages == nil {
		snap.Workspace.Messages = make(map[string][]*Message)
	}
	h.workspaces[snap.Workspace.ID] = snap.Workspace
	return nil
}

// ApplyEvent folds a single DomainEvent into in-memory state, the
// mechanism a Persister's replay uses to rebuild a Hub from its JSONL
// event log (§4.9 applyEvent).
func (h *Hub) ApplyEvent(e DomainEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.ensureWorkspaceLocked(e.WorkspaceID)

	switch e.Type {
	case "agent_registered":
		id, _ := e.Payload["agentId"].(string)
		if id == "" {
			return
		}
		ws.Agents[id] = &Agent{
			ID:         id,
			Team:       stringField(e.Payload, "team"),
			Department: stringField(e.Payload, "department"),
		}
	case "channel_created":
		id, _ := e.Payload["channelId"].(string)
		if id == "" {
			return
		}
		createdBy := stringField(e.Payload, "createdBy")
		ws.Channels[id] = &Channel{
			ID:          id,
			WorkspaceID: e.WorkspaceID,
			Name:        stringField(e.Payload, "name"),
			Type:        ChannelType(stringField(e.Payload, "type")),
			CreatedBy:   createdBy,
			Members:     map[string]Member{createdBy: {Role: RoleOwner, JoinedAt: e.Timestamp}},
			CreatedAt:   e.Timestamp,
			UpdatedAt:   e.Timestamp,
		}
	case "channel_deleted":
		id, _ := e.Payload["channelId"].(string)
		delete(ws.Channels, id)
		delete(ws.Messages, id)
	case "channel_joined":
		id, _ := e.Payload["channelId"].(string)
		agentID := stringField(e.Payload, "agentId")
		if ch, ok := ws.Channels[id]; ok && agentID != "" {
			ch.Members[agentID] = Member{Role: RoleMember, JoinedAt: e.Timestamp}
		}
	case "channel_member_added":
		id, _ := e.Payload["channelId"].(string)
		target := stringField(e.Payload, "targetId")
		role := Role(stringField(e.Payload, "role"))
		if ch, ok := ws.Channels[id]; ok && target != "" {
			ch.Members[target] = Member{Role: role, JoinedAt: e.Timestamp}
		}
	case "message_posted":
		id, _ := e.Payload["channelId"].(string)
		ch, ok := ws.Channels[id]
		if !ok {
			return
		}
		msg := &Message{
			ID:        stringField(e.Payload, "messageId"),
			ChannelID: id,
			SenderID:  stringField(e.Payload, "senderId"),
			CreatedAt: e.Timestamp,
			UpdatedAt: e.Timestamp,
			Reactions: make(map[string][]string),
		}
		ws.Messages[id] = append(ws.Messages[id], msg)
		ch.UpdatedAt = e.Timestamp
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

// FileStore is the §4.9 "companion store": a snapshot JSON file plus a
// JSONL event log (internal/eventlog.Store), replayed in order to
// reconstruct a Hub on startup.
type FileStore struct {
	snapshotPath string
	log          *eventlog.Store
}

// NewFileStore opens (creating if needed) the event log at logPath for
// durability; snapshotPath is used by Load/SaveSnapshot.
func NewFileStore(snapshotPath, logPath string) (*FileStore, error) {
	log, err := eventlog.Open(logPath)
	if err != nil {
		return nil, err
	}
	return &FileStore{snapshotPath: snapshotPath, log: log}, nil
}

// AppendEvent implements Persister.
func (fs *FileStore) AppendEvent(e DomainEvent) {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload["workspaceId"] = e.WorkspaceID

	fs.log.Append(eventlog.Entry{
		Type:    e.Type,
		Ts:      e.Timestamp.UnixMilli(),
		Payload: payload,
	})
}

// SaveSnapshot implements Persister by writing ws to snapshotPath.
func (fs *FileStore) SaveSnapshot(ws *Workspace) error {
	data, err := json.MarshalIndent(Snapshot{Workspace: ws, ExportedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.snapshotPath, data, 0o644)
}

// Load rebuilds a Hub from the snapshot (if present) plus any event log
// entries appended after it.
func (fs *FileStore) Load(h *Hub) error {
	if data, err := os.ReadFile(fs.snapshotPath); err == nil {
		if err := h.ImportState(data); err != nil {
			return err
		}
	}

	entries, err := fs.log.ReadAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		h.ApplyEvent(DomainEvent{
			Type:        e.Type,
			WorkspaceID: workspaceIDFromEntry(e),
			Timestamp:   time.UnixMilli(e.Ts),
			Payload:     e.Payload,
		})
	}
	return nil
}

// Close flushes and stops the underlying event log.
func (fs *FileStore) Close() {
	fs.log.Shutdown()
}

func workspaceIDFromEntry(e eventlog.Entry) string {
	if e.Payload == nil {
		return ""
	}
	if v, ok := e.Payload["workspaceId"].(string); ok {
		return v
	}
	return ""
}
