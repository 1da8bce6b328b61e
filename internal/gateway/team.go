package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/jcafeitosa/omni-agent/internal/agent"
	"github.com/jcafeitosa/omni-agent/internal/commhub"
	"github.com/jcafeitosa/omni-agent/internal/config"
	"github.com/jcafeitosa/omni-agent/internal/multiagent"
	"github.com/jcafeitosa/omni-agent/internal/sessions"
	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// buildCommunicationHub constructs an in-process Communication Hub (§4.9,
// C9) with a single "general" channel owned by the orchestrator, the
// channel every TeamPlan lifecycle posting (task_started/task_completed/
// task_failed) lands in.
func buildCommunicationHub() (*commhub.Hub, string, error) {
	hub := commhub.New(nil)
	hub.EnsureWorkspace(defaultWorkspaceID)
	if err := hub.RegisterAgent(defaultWorkspaceID, &commhub.Agent{ID: orchestratorAgentID, Name: "Orchestrator"}); err != nil {
		return nil, "", err
	}
	ch, err := hub.CreateChannel(defaultWorkspaceID, "general", commhub.ChannelGeneral, orchestratorAgentID, "", "", false)
	if err != nil {
		return nil, "", err
	}
	return hub, ch.ID, nil
}

// buildOrchestrator constructs the §4.8 TeamPlan scheduler: agent
// definitions come from cfg.Workspace's AGENTS.md, lifecycle messages post
// to the Communication Hub's general channel, and run tracking persists to
// a JSON file beside the event log via SubagentRegistry (C1-adjacent
// durability, independent of the in-memory managedTasks map).
func buildOrchestrator(cfg *config.Config, provider agent.LLMProvider, store sessions.Store, hub *commhub.Hub, teamChannel string, log *slog.Logger) (*multiagent.Orchestrator, error) {
	manifest, err := multiagent.LoadAgentsManifest(resolveAgentsPath(cfg))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if manifest == nil {
		manifest = &multiagent.AgentManifest{}
	}

	identityArgs := []any{"agents", len(manifest.Agents), "channel", teamChannel}
	if id, err := agent.LoadIdentityFromWorkspace(workspaceRoot(cfg)); err == nil && id.HasValues() {
		identityArgs = append(identityArgs, "identity_name", id.Name, "identity_vibe", id.Vibe)
	}
	log.Info("team orchestrator configured", identityArgs...)

	maCfg := multiagent.ConfigFromManifest(manifest)
	orchestrator := multiagent.NewOrchestrator(maCfg, provider, store)

	worktrees := multiagent.NewGitWorktreeManager(workspaceRoot(cfg))
	orchestrator.ConfigureTeamRunner(hub, teamChannel, multiagent.GlobalHookDispatcher{}, worktrees, nil)

	registry := multiagent.NewSubagentRegistry(&multiagent.SubagentRegistryConfig{
		PersistPath:      subagentRegistryPath(cfg),
		DefaultTimeoutMs: multiagent.DefaultSubagentRegistryConfig().DefaultTimeoutMs,
		ArchiveAfterMs:   multiagent.DefaultSubagentRegistryConfig().ArchiveAfterMs,
		SweepInterval:    multiagent.DefaultSubagentRegistryConfig().SweepInterval,
	})
	orchestrator.SetSubagentRegistry(registry)

	return orchestrator, nil
}

// resolveAgentsPath mirrors cmd/nexus's resolveAgentsPath: cfg.Workspace
// names the root directory and the AGENTS.md-shaped file within it.
func resolveAgentsPath(cfg *config.Config) string {
	root := "."
	agentsFile := "AGENTS.md"
	if cfg != nil {
		if strings.TrimSpace(cfg.Workspace.Path) != "" {
			root = cfg.Workspace.Path
		}
		if strings.TrimSpace(cfg.Workspace.AgentsFile) != "" {
			agentsFile = cfg.Workspace.AgentsFile
		}
	}
	if filepath.IsAbs(agentsFile) {
		return agentsFile
	}
	return filepath.Join(root, agentsFile)
}

func workspaceRoot(cfg *config.Config) string {
	if cfg != nil && strings.TrimSpace(cfg.Workspace.Path) != "" {
		return cfg.Workspace.Path
	}
	return "."
}

// subagentRegistryPath places the registry's durable run log next to the
// event log, the same ~/.nexus layout EventLogPath uses.
func subagentRegistryPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(EventLogPath(cfg)), "subagent_runs.json")
}

type teamTaskRequest struct {
	ID                string   `json:"id"`
	Query             string   `json:"query"`
	AgentName         string   `json:"agentName"`
	DependsOn         []string `json:"dependsOn"`
	Background        bool     `json:"background"`
	CollaborationNote string   `json:"collaborationNote"`
	ExternalCommand   string   `json:"externalCommand"`
	WorkingDirectory  string   `json:"workingDirectory"`
	Isolation         string   `json:"isolation"`
}

func (r teamTaskRequest) toModel() *models.TeamTask {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		id = uuid.NewString()
	}
	return &models.TeamTask{
		ID:                id,
		Query:             r.Query,
		AgentName:         r.AgentName,
		DependsOn:         r.DependsOn,
		Background:        r.Background,
		CollaborationNote: r.CollaborationNote,
		ExternalCommand:   r.ExternalCommand,
		WorkingDirectory:  r.WorkingDirectory,
		Isolation:         models.TaskIsolation(r.Isolation),
	}
}

type teamPlanRequest struct {
	Tasks       []teamTaskRequest `json:"tasks"`
	MaxParallel int               `json:"maxParallel"`
}

// handleTeamPlan runs a full TeamPlan (§4.8's RunPlan) to completion and
// returns every task's final status and result.
func (s *Server) handleTeamPlan(w http.ResponseWriter, r *http.Request) {
	var req teamPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(req.Tasks) == 0 {
		http.Error(w, "at least one task is required", http.StatusBadRequest)
		return
	}

	tasks := make([]*models.TeamTask, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		tasks = append(tasks, t.toModel())
	}
	plan := &models.TeamPlan{Tasks: tasks, MaxParallel: req.MaxParallel}

	results, err := s.orchestrator.RunPlan(r.Context(), plan)
	if err != nil {
		http.Error(w, fmt.Sprintf("team plan failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}

// handleTeamStartTask starts a single task (§4.8 StartTask), returning
// immediately for background tasks.
func (s *Server) handleTeamStartTask(w http.ResponseWriter, r *http.Request) {
	var req teamTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	mt, err := s.orchestrator.StartTask(r.Context(), req.toModel())
	if err != nil {
		http.Error(w, fmt.Sprintf("start task failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mt)
}

// handleTeamCancelTask cancels a running or background task by ID.
func (s *Server) handleTeamCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskID")
	if err := s.orchestrator.CancelTask(taskID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTeamChannelMessages returns the Communication Hub's general channel
// history, so a caller can observe the lifecycle messages a TeamPlan run
// posted without separately wiring a channel client.
func (s *Server) handleTeamChannelMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.hub.ListMessages(defaultWorkspaceID, s.teamChannel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(messages)
}
