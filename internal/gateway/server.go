// Package gateway boots the agent engine's HTTP surface: a query endpoint
// that drives a turn through internal/agent.Runtime, a cost-report endpoint
// backed by internal/usage (§4.10/C12), team-plan endpoints backed by
// internal/multiagent's scheduler (§4.8/C8) and internal/commhub's
// Communication Hub (§4.9/C9), and a health check. It is the successor to
// the teacher's multi-channel gateway, scoped to the surfaces
// SPEC_FULL.md's CLI section names rather than Slack/Discord/Telegram
// channel adapters.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	agentctx "github.com/jcafeitosa/omni-agent/internal/agent/context"

	"github.com/jcafeitosa/omni-agent/internal/agent"
	"github.com/jcafeitosa/omni-agent/internal/auth"
	"github.com/jcafeitosa/omni-agent/internal/commands"
	"github.com/jcafeitosa/omni-agent/internal/commhub"
	"github.com/jcafeitosa/omni-agent/internal/config"
	"github.com/jcafeitosa/omni-agent/internal/eventlog"
	"github.com/jcafeitosa/omni-agent/internal/hooks"
	"github.com/jcafeitosa/omni-agent/internal/multiagent"
	"github.com/jcafeitosa/omni-agent/internal/observability"
	"github.com/jcafeitosa/omni-agent/internal/ratelimit"
	"github.com/jcafeitosa/omni-agent/internal/sessions"
	"github.com/jcafeitosa/omni-agent/internal/storage"
	"github.com/jcafeitosa/omni-agent/internal/usage"
	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// defaultWorkspaceID is the Communication Hub workspace every agent in a
// single-tenant nexus deployment shares.
const defaultWorkspaceID = "default"

// orchestratorAgentID is the sender identity the TeamPlan scheduler posts
// lifecycle messages under (task_started/task_completed/task_failed).
const orchestratorAgentID = "orchestrator"

// Server wires a provider-backed runtime, a session store (in-memory, or
// CockroachDB-backed when cfg.Database.URL is set), and the event log store
// behind an HTTP mux.
type Server struct {
	cfg          *config.Config
	log          *slog.Logger
	runtime      *agent.Runtime
	store        sessions.Store
	storeCloser  func() error
	toolEvents   sessions.ToolEventStore
	locker       sessions.Locker
	events       *eventlog.Store
	commands     *commands.Registry
	parser       *commands.Parser
	tracker      *usage.Tracker
	compaction   *agent.CompactionManager
	auth         *auth.Service
	hub          *commhub.Hub
	orchestrator *multiagent.Orchestrator
	teamChannel  string
	queryLimiter *ratelimit.Limiter
	metrics      *observability.Metrics

	httpServer    *http.Server
	metricsServer *http.Server
}

// buildSessionStore opens a CockroachStore and runs it up to the latest
// migration when cfg.Database.URL is configured, otherwise falls back to an
// in-memory store. It also returns the ToolEventStore and Locker that make
// sense for the chosen backend: SQL-backed and lease-based for Cockroach,
// in-memory for the fallback.
func buildSessionStore(cfg *config.Config, log *slog.Logger) (sessions.Store, func() error, sessions.ToolEventStore, sessions.Locker, error) {
	dsn := strings.TrimSpace(cfg.Database.URL)
	if dsn == "" {
		return sessions.NewMemoryStore(), func() error { return nil }, sessions.NewMemoryToolEventStore(), sessions.NewLocalLocker(30 * time.Second), nil
	}

	store, err := sessions.NewCockroachStoreFromDSN(dsn, nil)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}

	migrator, err := sessions.NewMigrator(store.DB())
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, fmt.Errorf("build migrator: %w", err)
	}
	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	if len(applied) > 0 {
		log.Info("applied session store migrations", "count", len(applied), "ids", applied)
	}

	toolEvents := sessions.NewSQLToolEventStore(store.DB())

	var locker sessions.Locker
	if cfg.Cluster.SessionLocks.Enabled {
		lockerCfg := sessions.DBLockerConfig{
			OwnerID:         cfg.Cluster.NodeID,
			TTL:             cfg.Cluster.SessionLocks.TTL,
			RefreshInterval: cfg.Cluster.SessionLocks.RefreshInterval,
			AcquireTimeout:  cfg.Cluster.SessionLocks.AcquireTimeout,
			PollInterval:    cfg.Cluster.SessionLocks.PollInterval,
		}
		if lockerCfg.OwnerID == "" {
			lockerCfg.OwnerID = uuid.NewString()
		}
		dbLocker, err := sessions.NewDBLocker(store.DB(), lockerCfg)
		if err != nil {
			store.Close()
			return nil, nil, nil, nil, fmt.Errorf("build session locker: %w", err)
		}
		locker = dbLocker
	} else {
		locker = sessions.NewLocalLocker(30 * time.Second)
	}

	return store, store.Close, toolEvents, locker, nil
}

// NewServer constructs a Server from cfg: it builds the default LLM
// provider (internal/gateway/provider.go), a session store (§buildSessionStore),
// and opens the JSONL event log at EventLogPath(cfg).
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config is required")
	}
	if log == nil {
		log = slog.Default()
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: build provider: %w", err)
	}

	if cfg.LLM.Bedrock.Enabled {
		if n, err := registerBedrockModels(context.Background(), cfg.LLM.Bedrock); err != nil {
			log.Warn("bedrock model discovery failed", "error", err)
		} else {
			log.Info("bedrock model discovery complete", "models", n)
		}
	}

	store, storeCloser, toolEvents, locker, err := buildSessionStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: build session store: %w", err)
	}
	runtime := agent.NewRuntime(provider, store)
	runtime.RegisterTool(agent.NewExecTool())
	runtime.RegisterTool(agent.NewProcessTool(log))

	eventPath := EventLogPath(cfg)
	events, err := eventlog.Open(eventPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open event log at %s: %w", eventPath, err)
	}

	registry := commands.NewRegistry(log)
	commands.RegisterBuiltins(registry, eventPath)
	parser := commands.NewParser(registry)

	compactionMgr := agent.NewCompactionManager(nil, agentctx.NewPacker(agentctx.DefaultPackOptions()))
	compactionMgr.SetSummarizer(agent.NewLLMSummarizer(provider, cfg.LLM.DefaultModel), nil)
	compactionMgr.SetFlushCallback(func(ctx context.Context, sessionID, prompt string) error {
		log.Info("compaction flush requested", "session_id", sessionID)
		return nil
	})

	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     buildAuthAPIKeys(cfg.Auth.APIKeys),
	})
	authSvc.SetUserStore(storage.NewMemoryUserStore())

	hub, teamChannel, err := buildCommunicationHub()
	if err != nil {
		return nil, fmt.Errorf("gateway: build communication hub: %w", err)
	}
	orchestrator, err := buildOrchestrator(cfg, provider, store, hub, teamChannel, log)
	if err != nil {
		return nil, fmt.Errorf("gateway: build orchestrator: %w", err)
	}

	bootstrapHooks(context.Background(), cfg, log)

	observability.SetDiagnosticsEnabled(true)

	s := &Server{
		cfg:          cfg,
		log:          log,
		runtime:      runtime,
		store:        store,
		storeCloser:  storeCloser,
		toolEvents:   toolEvents,
		locker:       locker,
		events:       events,
		commands:     registry,
		parser:       parser,
		tracker:      usage.NewTracker(usage.DefaultTrackerConfig()),
		compaction:   compactionMgr,
		auth:         authSvc,
		hub:          hub,
		orchestrator: orchestrator,
		teamChannel:  teamChannel,
		queryLimiter: ratelimit.NewLimiter(cfg.Server.RateLimit),
		metrics:      observability.NewMetrics(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/costs", s.handleCosts)
	mux.HandleFunc("GET /v1/usage/live", s.handleLiveUsage)
	mux.HandleFunc("GET /v1/compaction/{sessionKey}", s.handleCompactionStatus)
	mux.HandleFunc("POST /v1/team/plan", s.handleTeamPlan)
	mux.HandleFunc("POST /v1/team/tasks", s.handleTeamStartTask)
	mux.HandleFunc("POST /v1/team/tasks/{taskID}/cancel", s.handleTeamCancelTask)
	mux.HandleFunc("GET /v1/team/channel/messages", s.handleTeamChannelMessages)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler: mux,
	}

	if cfg.Server.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", promhttp.Handler())
		s.metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
			Handler: metricsMux,
		}
	}

	return s, nil
}

// buildAuthAPIKeys adapts config.APIKeyConfig entries into auth.APIKeyConfig.
func buildAuthAPIKeys(keys []config.APIKeyConfig) []auth.APIKeyConfig {
	out := make([]auth.APIKeyConfig, 0, len(keys))
	for _, k := range keys {
		out = append(out, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name})
	}
	return out
}

// EventLogPath returns the JSONL event log path for cfg, defaulting to
// ~/.nexus/events.jsonl the same way internal/profile locates config files.
func EventLogPath(cfg *config.Config) string {
	if cfg != nil && strings.TrimSpace(cfg.Workspace.Path) != "" && cfg.Workspace.Path != "." {
		return filepath.Join(cfg.Workspace.Path, ".nexus", "events.jsonl")
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".nexus", "events.jsonl")
}

// Start blocks serving HTTP until ctx is cancelled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	hooks.EmitAsync(ctx, hooks.EventGatewayStartup, "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTP server and flushes the event log.
func (s *Server) Stop(ctx context.Context) error {
	hooks.EmitAsync(ctx, hooks.EventGatewayShutdown, "")

	err := s.httpServer.Shutdown(ctx)
	if s.metricsServer != nil {
		if closeErr := s.metricsServer.Shutdown(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	s.events.Shutdown()
	s.orchestrator.Shutdown()
	if s.storeCloser != nil {
		if closeErr := s.storeCloser(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

type queryRequest struct {
	SessionKey string `json:"sessionKey"`
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
}

type queryResponse struct {
	RunID   string `json:"runId"`
	Content string `json:"content"`
}

// authenticateRequest resolves the caller from an Authorization: Bearer
// header, trying a JWT first and falling back to a static API key (§4.10's
// per-caller cost attribution and C4/C5's permission checks both key off
// this identity once a request carries one).
func (s *Server) authenticateRequest(r *http.Request) (*models.User, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	if user, err := s.auth.ValidateJWT(token); err == nil {
		return user, nil
	}
	return s.auth.ValidateAPIKey(token)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleQuery runs one turn through the runtime and streams internal
// AgentEvents into a single aggregated response, appending a
// turn_completed entry to the event log so /v1/costs can summarize it.
// Requests are token-bucket rate limited per agentID+remote-address via
// queryLimiter once the body is parsed.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()
	statusCode := http.StatusOK
	defer func() {
		s.metrics.RecordHTTPRequest(r.Method, "/v1/query", fmt.Sprintf("%d", statusCode), time.Since(requestStart).Seconds())
	}()

	if s.auth.Enabled() {
		if _, err := s.authenticateRequest(r); err != nil {
			statusCode = http.StatusUnauthorized
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		statusCode = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		statusCode = http.StatusBadRequest
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		req.AgentID = s.cfg.Session.DefaultAgentID
	}
	req.AgentID = sessions.NormalizeAgentID(req.AgentID)
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}
	req.SessionKey = sessions.ToAgentStoreSessionKey(req.AgentID, req.SessionKey, sessions.DefaultMainKey)

	limitKey := ratelimit.CompositeKey(req.AgentID, r.RemoteAddr)
	if !s.queryLimiter.Allow(limitKey) {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", s.queryLimiter.WaitTime(limitKey).Seconds()))
		statusCode = http.StatusTooManyRequests
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	session, err := s.store.GetOrCreate(ctx, req.SessionKey, req.AgentID, models.ChannelAPI, req.SessionKey)
	if err != nil {
		statusCode = http.StatusInternalServerError
		http.Error(w, fmt.Sprintf("session error: %v", err), http.StatusInternalServerError)
		return
	}

	if err := s.locker.Lock(ctx, session.ID); err != nil {
		statusCode = http.StatusConflict
		http.Error(w, fmt.Sprintf("session busy: %v", err), http.StatusConflict)
		return
	}
	defer s.locker.Unlock(session.ID)

	if detection := s.parser.Parse(req.Content); detection.HasCommand && detection.IsControlCommand {
		result, err := s.commands.Execute(ctx, &commands.Invocation{
			Name:       detection.Primary.Name,
			Args:       detection.Primary.Args,
			RawText:    req.Content,
			SessionKey: req.SessionKey,
			UserID:     req.AgentID,
		})
		if err != nil {
			statusCode = http.StatusBadRequest
			http.Error(w, fmt.Sprintf("command failed: %v", err), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(queryResponse{Content: result.Text})
		return
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Channel:   models.ChannelAPI,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   req.Content,
		CreatedAt: time.Now(),
	}

	s.metrics.MessageReceived(string(models.ChannelAPI), "inbound")
	s.metrics.SessionStarted(string(models.ChannelAPI))
	defer s.metrics.SessionEnded(string(models.ChannelAPI), time.Since(requestStart).Seconds())

	runStart := time.Now()
	chunks, err := s.runtime.ProcessStream(ctx, session, msg)
	if err != nil {
		statusCode = http.StatusInternalServerError
		s.metrics.RecordError("gateway", "run_start_failed")
		http.Error(w, fmt.Sprintf("run failed: %v", err), http.StatusInternalServerError)
		return
	}

	var (
		runID       string
		text        strings.Builder
		provider    = s.cfg.LLM.DefaultProvider
		model       string
		status      = "success"
		input       int
		output      int
		toolStarted = make(map[string]time.Time)
	)
	observability.EmitRunAttempt(&observability.RunAttemptEvent{
		SessionKey: req.SessionKey,
		SessionID:  session.ID,
		Attempt:    1,
	})
	for ev := range chunks {
		if ev.RunID != "" {
			runID = ev.RunID
		}
		switch ev.Type {
		case models.AgentEventTurnFinished, models.AgentEventModelCompleted:
			if ev.Stream != nil {
				text.WriteString(ev.Stream.Final)
				if ev.Stream.Model != "" {
					model = ev.Stream.Model
				}
				if ev.Stream.Provider != "" {
					provider = ev.Stream.Provider
				}
			}
		case models.AgentEventRunFinished:
			if ev.Stats != nil && ev.Stats.Run != nil {
				input = ev.Stats.Run.InputTokens
				output = ev.Stats.Run.OutputTokens
				if ev.Stats.Run.Cancelled {
					status = "cancelled"
				} else if ev.Stats.Run.TimedOut {
					status = "timed_out"
				} else if ev.Stats.Run.Errors > 0 {
					status = "error"
				}
			}
		case models.AgentEventRunError, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
			status = "error"
			s.metrics.RecordError("agent", string(ev.Type))
			if ev.Error != nil {
				text.WriteString(ev.Error.Message)
			}
		case models.AgentEventToolStarted:
			if ev.Tool != nil {
				toolStarted[ev.Tool.CallID] = time.Now()
				_ = s.toolEvents.AddToolCall(ctx, session.ID, msg.ID, &sessions.ToolCall{
					ID:        ev.Tool.CallID,
					ToolName:  ev.Tool.Name,
					InputJSON: ev.Tool.ArgsJSON,
				})
			}
		case models.AgentEventToolFinished, models.AgentEventToolTimedOut:
			if ev.Tool != nil {
				_ = s.toolEvents.AddToolResult(ctx, session.ID, msg.ID, ev.Tool.CallID, &sessions.ToolResult{
					IsError: !ev.Tool.Success,
					Content: string(ev.Tool.ResultJSON),
				})
				toolStatus := "success"
				if !ev.Tool.Success {
					toolStatus = "error"
				}
				duration := ev.Tool.Elapsed.Seconds()
				if started, ok := toolStarted[ev.Tool.CallID]; ok {
					duration = time.Since(started).Seconds()
					delete(toolStarted, ev.Tool.CallID)
				}
				s.metrics.RecordToolExecution(ev.Tool.Name, toolStatus, duration)
			}
		}
	}

	s.metrics.RecordLLMRequest(provider, model, status, time.Since(runStart).Seconds(), input, output)
	observability.EmitModelUsage(&observability.ModelUsageEvent{
		SessionKey: req.SessionKey,
		SessionID:  session.ID,
		Provider:   provider,
		Model:      model,
		Usage:      observability.UsageDetails{Input: int64(input), Output: int64(output), Total: int64(input + output)},
		DurationMs: time.Since(runStart).Milliseconds(),
	})

	s.events.Append(eventlog.Entry{
		Ts:       time.Now().UnixMilli(),
		Type:     "turn_completed",
		ThreadID: session.ID,
		Payload: map[string]any{
			"status":         status,
			"provider":       provider,
			"model":          model,
			"inputTokens":    input,
			"outputTokens":   output,
			"thinkingTokens": 0,
		},
	})

	s.tracker.Record(usage.Record{
		ID:       runID,
		Provider: provider,
		Model:    model,
		UserID:   req.AgentID,
		Usage: usage.Usage{
			InputTokens:  int64(input),
			OutputTokens: int64(output),
		},
	})

	if history, histErr := s.store.GetHistory(ctx, session.ID, 0); histErr == nil {
		if _, err := s.compaction.Check(ctx, session.ID, history, msg, nil); err != nil {
			s.log.Warn("compaction check failed", "session_id", session.ID, "error", err)
		}
	}

	s.metrics.MessageSent(string(models.ChannelAPI))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(queryResponse{RunID: runID, Content: text.String()})
}

// handleCompactionStatus reports a session's context-usage percentage and
// (if a flush has triggered) the durable summary internal/compaction
// generated in place of the dropped history (§4.3).
func (s *Server) handleCompactionStatus(w http.ResponseWriter, r *http.Request) {
	sessionKey := r.PathValue("sessionKey")
	session, err := s.store.GetByKey(r.Context(), sessionKey)
	if err != nil {
		http.Error(w, fmt.Sprintf("session lookup failed: %v", err), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.compaction.GetInfo(session.ID))
}

// handleLiveUsage reports the in-memory rolling-window totals tracked by
// usage.Tracker, a faster but volatile complement to /v1/costs' durable,
// event-log-backed summary.
func (s *Server) handleLiveUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.tracker.GetSummary())
}

// handleCosts summarizes the event log via internal/usage.SummarizeTurnCosts
// (§4.10, C12).
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	events, err := s.events.ReadAll()
	if err != nil {
		http.Error(w, fmt.Sprintf("read event log: %v", err), http.StatusInternalServerError)
		return
	}
	summary := usage.SummarizeTurnCosts(events, usage.SummarizeOptions{})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}
