// Package commhub implements the Communication Hub (§4.9, C9): a
// workspace-scoped message bus agents use to coordinate, built from scratch
// for this spec. Its persistence (snapshot + JSONL event log, applyEvent
// replay) follows the same batched-append shape internal/eventlog and
// internal/audit.Logger use elsewhere in this codebase.
package commhub

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelType enumerates the channel kinds §3 names.
type ChannelType string

const (
	ChannelGeneral    ChannelType = "general"
	ChannelTeam       ChannelType = "team"
	ChannelDepartment ChannelType = "department"
	ChannelProject    ChannelType = "project"
	ChannelPrivate    ChannelType = "private"
	ChannelDM         ChannelType = "dm"
	ChannelIncident   ChannelType = "incident"
)

// Role is an agent's membership role within a channel.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member records an agent's channel membership.
type Member struct {
	Role     Role
	JoinedAt time.Time
}

// Channel is a CommunicationChannel (§3).
type Channel struct {
	ID          string
	WorkspaceID string
	Name        string
	Type        ChannelType
	CreatedBy   string
	Team        string
	Department  string
	IsPrivate   bool
	Members     map[string]Member
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Message is a ChannelMessage (§3).
type Message struct {
	ID           string
	ChannelID    string
	SenderID     string
	Text         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ThreadRootID string
	Mentions     []string
	Reactions    map[string][]string // emoji -> agent ids
	Metadata     map[string]any
}

// Agent is a workspace member registered with the hub.
type Agent struct {
	ID         string
	Name       string
	Team       string
	Department string
}

// DeliveryPlan is postMessage's computed recipient set (§4.9).
type DeliveryPlan struct {
	Recipients      []string
	MentionedAgents []string
	MentionedGroups []string
}

// Workspace holds one workspace's agents, channels, and messages.
type Workspace struct {
	ID       string
	Agents   map[string]*Agent
	Channels map[string]*Channel
	Messages map[string][]*Message // channelID -> ordered messages
}

// Hub is the Communication Hub: an in-memory, workspace-scoped store with
// deterministic RBAC, mention expansion, and search, backed by a
// Persister for durability.
type Hub struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	persist    Persister
	onEvent    func(DomainEvent)
}

// Persister is the external collaborator §4.9 calls out: a companion
// snapshot-JSON + JSONL event log store. internal/commhub/persistence.go
// provides a concrete FileStore implementation.
type Persister interface {
	AppendEvent(DomainEvent)
	SaveSnapshot(ws *Workspace) error
}

// DomainEvent is emitted for every durable hub mutation so a Persister (or
// test) can replay or audit it (§4.9 "message_posted", and the channel
// lifecycle events needed to rebuild a workspace via applyEvent).
type DomainEvent struct {
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspaceId"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload"`
}

// New creates a Hub. persist may be nil to run purely in-memory.
func New(persist Persister) *Hub {
	return &Hub{
		workspaces: make(map[string]*Workspace),
		persist:    persist,
	}
}

// OnEvent registers a callback invoked for every domain event, in addition
// to the Persister. Useful for wiring the Orchestrator's SubagentStart-style
// hooks or tests.
func (h *Hub) OnEvent(fn func(DomainEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEvent = fn
}

func (h *Hub) emit(e DomainEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if h.persist != nil {
		h.persist.AppendEvent(e)
	}
	if h.onEvent != nil {
		h.onEvent(e)
	}
}

// EnsureWorkspace returns the workspace for id, creating it if absent.
func (h *Hub) EnsureWorkspace(id string) *Workspace {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ensureWorkspaceLocked(id)
}

func (h *Hub) ensureWorkspaceLocked(id string) *Workspace {
	ws, ok := h.workspaces[id]
	if !ok {
		ws = &Workspace{
			ID:       id,
			Agents:   make(map[string]*Agent),
			Channels: make(map[string]*Channel),
			Messages: make(map[string][]*Message),
		}
		h.workspaces[id] = ws
	}
	return ws
}

// RegisterAgent adds or updates an agent's workspace membership record.
func (h *Hub) RegisterAgent(workspaceID string, agent *Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.ensureWorkspaceLocked(workspaceID)
	ws.Agents[agent.ID] = agent

	h.emit(DomainEvent{
		Type:        "agent_registered",
		WorkspaceID: workspaceID,
		Payload:     map[string]any{"agentId": agent.ID, "team": agent.Team, "department": agent.Department},
	})
	return nil
}

// CreateChannel creates a channel with creator as its first owner member.
func (h *Hub) CreateChannel(workspaceID, name string, chType ChannelType, createdBy, team, department string, isPrivate bool) (*Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("channel name cannot be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ws := h.ensureWorkspaceLocked(workspaceID)

	now := time.Now()
	ch := &Channel{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		Type:        chType,
		CreatedBy:   createdBy,
		Team:        team,
		Department:  department,
		IsPrivate:   isPrivate,
		Members:     map[string]Member{createdBy: {Role: RoleOwner, JoinedAt: now}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ws.Channels[ch.ID] = ch

	h.emit(DomainEvent{
		Type:        "channel_created",
		WorkspaceID: workspaceID,
		Payload:     map[string]any{"channelId": ch.ID, "name": name, "type": string(chType), "createdBy": createdBy},
	})
	return ch, nil
}

// UpdateChannel mutates a channel's name/team/department, touching
// UpdatedAt (§5: createdAt/updatedAt are monotonically non-decreasing).
func (h *Hub) UpdateChannel(workspaceID, channelID, actorID string, mutate func(*Channel)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, err := h.channelLocked(workspaceID, channelID)
	if err != nil {
		return err
	}
	if !h.canManageChannelLocked(workspaceID, ch, actorID) {
		return fmt.Errorf("agent %s cannot manage channel %s", actorID, channelID)
	}

	mutate(ch)
	ch.UpdatedAt = time.Now()

	h.emit(DomainEvent{
		Type:        "channel_updated",
		WorkspaceID: workspaceID,
		Payload:     map[string]any{"channelId": channelID, "actorId": actorID},
	})
	return nil
}

// DeleteChannel removes a channel; only a manager may delete it.
func (h *Hub) DeleteChannel(workspaceID, channelID, actorID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, err := h.channelLocked(workspaceID, channelID)
	if err != nil {
		return err
	}
	if !h.canManageChannelLocked(workspaceID, ch, actorID) {
		return fmt.Errorf("agent %s cannot manage channel %s", actorID, channelID)
	}

	ws := h.workspaces[workspaceID]
	delete(ws.Channels, channelID)
	delete(ws.Messages, channelID)

	h.emit(DomainEvent{
		Type:        "channel_deleted",
		WorkspaceID: workspaceID,
		Payload:     map[string]any{"channelId": channelID, "actorId": actorID},
	})
	return nil
}

// JoinChannel adds agentID as a member with RoleMember, if the channel's
// RBAC allows self-join (not private unless already invited).
func (h *Hub) JoinChannel(workspaceID, channelID, agentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, err := h.channelLocked(workspaceID, channelID)
	if err != nil {
		return err
	}
	if ch.IsPrivate {
		return fmt.Errorf("channel %s is private; members must be added explicitly", channelID)
	}
	if _, ok := ch.Members[agentID]; ok {
		return nil
	}

	ch.Members[agentID] = Member{Role: RoleMember, JoinedAt: time.Now()}
	ch.UpdatedAt = time.Now()

	h.emit(DomainEvent{
		Type:        "channel_joined",
		WorkspaceID: workspaceID,
		Payload:     map[string]any{"channelId": channelID, "agentId": agentID},
	})
	return nil
}

// AddChannelMember adds targetID to channelID. Only a manager may add
// members to a private channel; public channels accept it from anyone with
// access.
func (h *Hub) AddChannelMember(workspaceID, channelID, actorID, targetID string, role Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, err := h.channelLocked(workspaceID, channelID)
	if err != nil {
		return err
	}
	if ch.IsPrivate && !h.canManageChannelLocked(workspaceID, ch, actorID) {
		return fmt.Errorf("agent %s cannot add members to private channel %s", actorID, channelID)
	}
	if role == "" {
		role = RoleMember
	}

	ch.Members[targetID] = Member{Role: role, JoinedAt: time.Now()}
	ch.UpdatedAt = time.Now()

	h.emit(DomainEvent{
		Type:        "channel_member_added",
		WorkspaceID: workspaceID,
		Payload:     map[string]any{"channelId": channelID, "actorId": actorID, "targetId": targetID, "role": string(role)},
	})
	return nil
}

// ListChannels returns every channel in a workspace.
func (h *Hub) ListChannels(workspaceID string) []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws, ok := h.workspaces[workspaceID]
	if !ok {
		return nil
	}
	out := make([]*Channel, 0, len(ws.Channels))
	for _, c := range ws.Channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListChannelsForAgent returns channels agentID can access (§3 invariants).
func (h *Hub) ListChannelsForAgent(workspaceID, agentID string) []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws, ok := h.workspaces[workspaceID]
	if !ok {
		return nil
	}

	var out []*Channel
	for _, c := range ws.Channels {
		if h.canAccessChannelLocked(ws, c, agentID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (h *Hub) channelLocked(workspaceID, channelID string) (*Channel, error) {
	ws, ok := h.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("unknown workspace: %s", workspaceID)
	}
	ch, ok := ws.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel: %s", channelID)
	}
	return ch, nil
}

// canManageChannelLocked: role ∈ {owner, admin} ∨ createdBy = agent (§4.9).
func (h *Hub) canManageChannelLocked(workspaceID string, ch *Channel, agentID string) bool {
	if ch.CreatedBy == agentID {
		return true
	}
	m, ok := ch.Members[agentID]
	return ok && (m.Role == RoleOwner || m.Role == RoleAdmin)
}

// canAccessChannelLocked follows §3's invariants, which double as
// canPost's predicate.
func (h *Hub) canAccessChannelLocked(ws *Workspace, ch *Channel, agentID string) bool {
	if m, ok := ch.Members[agentID]; ok {
		if m.Role == RoleOwner || m.Role == RoleAdmin {
			return true
		}
	}
	if ch.Type == ChannelGeneral {
		return true
	}

	agent := ws.Agents[agentID]
	if agent != nil {
		if ch.Type == ChannelTeam && ch.Team != "" && ch.Team == agent.Team {
			return true
		}
		if ch.Type == ChannelDepartment && ch.Department != "" && ch.Department == agent.Department {
			return true
		}
	}

	_, isMember := ch.Members[agentID]
	return isMember
}

// canPost applies the identical §3 invariant set access does.
func (h *Hub) canPost(ws *Workspace, ch *Channel, agentID string) bool {
	return h.canAccessChannelLocked(ws, ch, agentID)
}

// PostMessage implements §4.9's postMessage: RBAC check, mention parsing,
// DeliveryPlan computation, message append, message_posted domain event.
func (h *Hub) PostMessage(ctx context.Context, channelID, senderID, text string) error {
	return h.postMessage(ctx, "", channelID, senderID, text, "", nil)
}

// PostMessageIn is PostMessage scoped to a specific workspace, with
// optional thread-root and metadata.
func (h *Hub) PostMessageIn(ctx context.Context, workspaceID, channelID, senderID, text, threadRootID string, metadata map[string]any) (*Message, *DeliveryPlan, error) {
	return h.postMessage(ctx, workspaceID, channelID, senderID, text, threadRootID, metadata)
}

func (h *Hub) postMessage(ctx context.Context, workspaceID, channelID, senderID, text, threadRootID string, metadata map[string]any) (*Message, *DeliveryPlan, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ws, ch, err := h.resolveChannelLocked(workspaceID, channelID)
	if err != nil {
		return nil, nil, err
	}
	if !h.canPost(ws, ch, senderID) {
		return nil, nil, fmt.Errorf("agent %s is not permitted to post in channel %s", senderID, channelID)
	}

	plan := computeDeliveryPlan(ws, ch, senderID, text)

	now := time.Now()
	msg := &Message{
		ID:           uuid.NewString(),
		ChannelID:    ch.ID,
		SenderID:     senderID,
		Text:         text,
		CreatedAt:    now,
		UpdatedAt:    now,
		ThreadRootID: threadRootID,
		Mentions:     plan.MentionedAgents,
		Reactions:    make(map[string][]string),
		Metadata:     metadata,
	}
	ws.Messages[ch.ID] = append(ws.Messages[ch.ID], msg)
	ch.UpdatedAt = now

	h.emit(DomainEvent{
		Type:        "message_posted",
		WorkspaceID: ch.WorkspaceID,
		Timestamp:   now,
		Payload: map[string]any{
			"channelId":       ch.ID,
			"messageId":       msg.ID,
			"senderId":        senderID,
			"recipients":      plan.Recipients,
			"mentionedAgents": plan.MentionedAgents,
			"mentionedGroups": plan.MentionedGroups,
		},
	})

	return msg, &plan, nil
}

// resolveChannelLocked finds a channel by id, searching every workspace
// when workspaceID is empty (PostMessage's single-channelID-arg surface).
func (h *Hub) resolveChannelLocked(workspaceID, channelID string) (*Workspace, *Channel, error) {
	if workspaceID != "" {
		ch, err := h.channelLocked(workspaceID, channelID)
		if err != nil {
			return nil, nil, err
		}
		return h.workspaces[workspaceID], ch, nil
	}
	for _, ws := range h.workspaces {
		if ch, ok := ws.Channels[channelID]; ok {
			return ws, ch, nil
		}
	}
	return nil, nil, fmt.Errorf("unknown channel: %s", channelID)
}

// computeDeliveryPlan parses @mentions out of text and resolves them
// against channel membership (§4.9): @channel broadcasts to every member,
// team:/department: prefixes expand to matching agents, bare @agentId
// mentions that agent directly. The sender is always excluded.
func computeDeliveryPlan(ws *Workspace, ch *Channel, senderID, text string) DeliveryPlan {
	recipients := make(map[string]bool)
	mentionedAgents := make(map[string]bool)
	var mentionedGroups []string

	for _, token := range extractMentionTokens(text) {
		switch {
		case token == "channel":
			for agentID := range ch.Members {
				if agentID != senderID {
					recipients[agentID] = true
				}
			}
		case strings.HasPrefix(token, "team:"):
			team := strings.TrimPrefix(token, "team:")
			mentionedGroups = append(mentionedGroups, token)
			for agentID, agent := range ws.Agents {
				if agent.Team == team && agentID != senderID {
					recipients[agentID] = true
				}
			}
		case strings.HasPrefix(token, "department:"):
			dept := strings.TrimPrefix(token, "department:")
			mentionedGroups = append(mentionedGroups, token)
			for agentID, agent := range ws.Agents {
				if agent.Department == dept && agentID != senderID {
					recipients[agentID] = true
				}
			}
		default:
			if token != senderID {
				mentionedAgents[token] = true
				recipients[token] = true
			}
		}
	}

	// Every channel member not explicitly mentioned still receives the
	// message by virtue of channel membership.
	for agentID := range ch.Members {
		if agentID != senderID {
			recipients[agentID] = true
		}
	}

	plan := DeliveryPlan{}
	for id := range recipients {
		plan.Recipients = append(plan.Recipients, id)
	}
	for id := range mentionedAgents {
		plan.MentionedAgents = append(plan.MentionedAgents, id)
	}
	plan.MentionedGroups = mentionedGroups

	sort.Strings(plan.Recipients)
	sort.Strings(plan.MentionedAgents)
	return plan
}

func extractMentionTokens(text string) []string {
	var tokens []string
	for _, word := range strings.Fields(text) {
		if !strings.HasPrefix(word, "@") {
			continue
		}
		token := strings.TrimPrefix(word, "@")
		token = strings.TrimRight(token, ".,!?:;")
		if token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// ListMessages returns a channel's messages in post order.
func (h *Hub) ListMessages(workspaceID, channelID string) ([]*Message, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ch, err := h.resolveChannelLocked(workspaceID, channelID)
	if err != nil {
		return nil, err
	}
	return h.workspaces[ch.WorkspaceID].Messages[ch.ID], nil
}

// AddReaction appends agentID to an emoji's reactor list on a message.
func (h *Hub) AddReaction(workspaceID, channelID, messageID, emoji, agentID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ch, err := h.resolveChannelLocked(workspaceID, channelID)
	if err != nil {
		return err
	}
	for _, msg := range h.workspaces[ch.WorkspaceID].Messages[ch.ID] {
		if msg.ID == messageID {
			for _, existing := range msg.Reactions[emoji] {
				if existing == agentID {
					return nil
				}
			}
			msg.Reactions[emoji] = append(msg.Reactions[emoji], agentID)
			msg.UpdatedAt = time.Now()

			h.emit(DomainEvent{
				Type:        "reaction_added",
				WorkspaceID: ch.WorkspaceID,
				Payload:     map[string]any{"channelId": ch.ID, "messageId": messageID, "emoji": emoji, "agentId": agentID},
			})
			return nil
		}
	}
	return fmt.Errorf("unknown message: %s", messageID)
}

// searchResult pairs a message with its match score for stable ranking.
type searchResult struct {
	msg   *Message
	score int
}

// SearchMessages implements §4.9's deterministic scoring: case-insensitive
// token containment count, ties broken by newer createdAt, capped by
// limit (default 20, min 1) — P9.
func (h *Hub) SearchMessages(workspaceID, channelID, query string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	ws, ok := h.workspaces[workspaceID]
	if !ok {
		return nil, fmt.Errorf("unknown workspace: %s", workspaceID)
	}

	var pool []*Message
	if channelID != "" {
		ch, ok := ws.Channels[channelID]
		if !ok {
			return nil, fmt.Errorf("unknown channel: %s", channelID)
		}
		pool = ws.Messages[ch.ID]
	} else {
		for _, msgs := range ws.Messages {
			pool = append(pool, msgs...)
		}
	}

	queryTokens := strings.Fields(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return nil, nil
	}

	var results []searchResult
	for _, msg := range pool {
		text := strings.ToLower(msg.Text)
		score := 0
		for _, qt := range queryTokens {
			if strings.Contains(text, qt) {
				score++
			}
		}
		if score > 0 {
			results = append(results, searchResult{msg: msg, score: score})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].msg.CreatedAt.After(results[j].msg.CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}

	out := make([]*Message, len(results))
	for i, r := range results {
		out[i] = r.msg
	}
	return out, nil
}
