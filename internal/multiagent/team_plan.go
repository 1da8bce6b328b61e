package multiagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcafeitosa/omni-agent/internal/audit"
	"github.com/jcafeitosa/omni-agent/internal/hooks"
	"github.com/jcafeitosa/omni-agent/pkg/models"
)

// CommunicationPoster is the narrow surface the TeamPlan scheduler needs
// from the Communication Hub (C9) to satisfy §4.8's mandatory main-channel
// messaging. Declared here, not imported from the hub package directly, so
// internal/multiagent and internal/commhub don't import each other.
type CommunicationPoster interface {
	PostMessage(ctx context.Context, channelID, senderID, text string) error
}

// HookDispatcher is the narrow surface the scheduler needs to fire
// lifecycle hooks (§4.5/§4.8). The default implementation forwards to the
// global hooks registry; tests can substitute a recording stub.
type HookDispatcher interface {
	Trigger(ctx context.Context, event *hooks.Event) error
}

// GlobalHookDispatcher dispatches through hooks.Trigger / the global
// registry (hooks.Global()).
type GlobalHookDispatcher struct{}

// Trigger implements HookDispatcher.
func (GlobalHookDispatcher) Trigger(ctx context.Context, event *hooks.Event) error {
	return hooks.Trigger(ctx, event)
}

// WorktreeManager isolates a ManagedTask's execution in its own working
// directory (§4.8 isolation=worktree).
type WorktreeManager interface {
	Create(ctx context.Context, taskID string) (dir string, cleanup func(), err error)
}

// gitWorktreeManager isolates each task in a throwaway git worktree created
// off the caller's repo. It shells out with a one-shot os/exec.Command
// rather than internal/shell's ProcessRegistry: ProcessRegistry tracks
// long-lived interactive sessions for the exec tool (output buffering,
// backgrounding, sweeping); a worktree add/remove pair is a single
// synchronous round trip with no session to track.
type gitWorktreeManager struct {
	repoDir string
	baseDir string
}

// NewGitWorktreeManager creates worktrees for repoDir's tasks under the
// system temp directory.
func NewGitWorktreeManager(repoDir string) WorktreeManager {
	return &gitWorktreeManager{repoDir: repoDir, baseDir: os.TempDir()}
}

func (g *gitWorktreeManager) Create(ctx context.Context, taskID string) (string, func(), error) {
	dir := filepath.Join(g.baseDir, "omni-agent-worktree-"+taskID)
	branch := "omni-agent/" + taskID

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, dir)
	cmd.Dir = g.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", nil, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}

	cleanup := func() {
		rm := exec.Command("git", "worktree", "remove", "--force", dir)
		rm.Dir = g.repoDir
		_ = rm.Run()
	}
	return dir, cleanup, nil
}

// managedTaskState is the scheduler's live bookkeeping for one ManagedTask:
// its public snapshot plus the synchronization background/cancel need.
type managedTaskState struct {
	*models.ManagedTask

	mu        sync.Mutex
	done      chan struct{}
	cancelled bool
}

func newManagedTaskState(t *models.TeamTask) *managedTaskState {
	return &managedTaskState{
		ManagedTask: &models.ManagedTask{TeamTask: t, Status: models.TaskPending},
		done:        make(chan struct{}),
	}
}

func (m *managedTaskState) status() models.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ManagedTask.Status
}

func (m *managedTaskState) setStatus(s models.TaskStatus) {
	m.mu.Lock()
	m.ManagedTask.Status = s
	m.mu.Unlock()
}

func (m *managedTaskState) cancel() {
	m.mu.Lock()
	m.cancelled = true
	m.mu.Unlock()
}

func (m *managedTaskState) isCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *managedTaskState) finish(status models.TaskStatus, result string, err error) {
	m.mu.Lock()
	m.ManagedTask.Status = status
	m.ManagedTask.Result = result
	m.ManagedTask.Err = err
	m.ManagedTask.EndedAt = time.Now()
	m.mu.Unlock()
	close(m.done)
}

func (m *managedTaskState) snapshot() *models.ManagedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.ManagedTask
	return &cp
}

// ErrCommunicationNotConfigured is returned by RunPlan/StartTask when no
// Communication Hub has been wired via ConfigureTeamRunner (§4.8, P10).
var ErrCommunicationNotConfigured = errors.New("Mandatory communication policy not configured")

// ErrUnresolvedDependencies is returned by RunPlan when a round of
// scheduling finds pending tasks but none whose dependencies are satisfied
// (§4.8: missing or circular dependsOn).
var ErrUnresolvedDependencies = errors.New("unresolved dependencies or circular references")

// RunPlan executes a TeamPlan (§4.8): a dependency graph of tasks run with
// up to MaxParallel siblings concurrently. Each task transitions
// pending -> running|background -> completed|failed|cancelled, posting
// task_started/task_completed/task_failed/task_cancelled to the configured
// main channel and firing Subagent/Worktree hooks around execution.
func (o *Orchestrator) RunPlan(ctx context.Context, plan *models.TeamPlan) (map[string]*models.ManagedTask, error) {
	o.teamMu.Lock()
	poster, mainChannelID := o.poster, o.mainChannelID
	if o.managedTasks == nil {
		o.managedTasks = make(map[string]*managedTaskState)
	}
	if o.sharedState == nil {
		o.sharedState = make(map[string]string)
	}
	o.teamMu.Unlock()

	if poster == nil || mainChannelID == "" {
		return nil, ErrCommunicationNotConfigured
	}
	if plan == nil || len(plan.Tasks) == 0 {
		return map[string]*models.ManagedTask{}, nil
	}

	maxParallel := plan.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	tasks := make(map[string]*managedTaskState, len(plan.Tasks))
	o.teamMu.Lock()
	for _, t := range plan.Tasks {
		mt := newManagedTaskState(t)
		tasks[t.ID] = mt
		o.managedTasks[t.ID] = mt
	}
	o.teamMu.Unlock()

	completed := make(map[string]bool)
	var mu sync.Mutex
	sem := make(chan struct{}, maxParallel)

	for {
		mu.Lock()
		var ready []*managedTaskState
		pending := 0
		for _, mt := range tasks {
			if mt.status() == models.TaskPending {
				pending++
				if dependenciesSatisfied(mt.TeamTask.DependsOn, completed) {
					ready = append(ready, mt)
				}
			}
		}
		mu.Unlock()

		if pending == 0 {
			break
		}
		if len(ready) == 0 {
			return o.snapshotTasks(tasks), ErrUnresolvedDependencies
		}

		var wg sync.WaitGroup
		for _, mt := range ready {
			mt.setStatus(models.TaskRunning)
			sem <- struct{}{}
			wg.Add(1)
			go func(mt *managedTaskState) {
				defer wg.Done()
				defer func() { <-sem }()
				o.startTask(ctx, mt)

				mu.Lock()
				switch mt.status() {
				case models.TaskCompleted, models.TaskBackground:
					completed[mt.ID] = true
				}
				mu.Unlock()
			}(mt)
		}
		wg.Wait()
	}

	return o.snapshotTasks(tasks), nil
}

// StartTask runs a single ad-hoc task outside of a TeamPlan, subject to the
// same mandatory-communication-policy requirement as RunPlan.
func (o *Orchestrator) StartTask(ctx context.Context, task *models.TeamTask) (*models.ManagedTask, error) {
	o.teamMu.Lock()
	poster, mainChannelID := o.poster, o.mainChannelID
	if o.managedTasks == nil {
		o.managedTasks = make(map[string]*managedTaskState)
	}
	o.teamMu.Unlock()

	if poster == nil || mainChannelID == "" {
		return nil, ErrCommunicationNotConfigured
	}

	mt := newManagedTaskState(task)
	o.teamMu.Lock()
	o.managedTasks[task.ID] = mt
	o.teamMu.Unlock()

	mt.setStatus(models.TaskRunning)
	o.startTask(ctx, mt)
	return mt.snapshot(), nil
}

// WaitForBackground blocks until the background task identified by taskID
// finishes, or ctx is cancelled.
func (o *Orchestrator) WaitForBackground(ctx context.Context, taskID string) (*models.ManagedTask, error) {
	o.teamMu.Lock()
	mt, ok := o.managedTasks[taskID]
	o.teamMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", taskID)
	}

	select {
	case <-mt.done:
		return mt.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelTask marks a task cancelled. The cancellation is observed at the
// task's next execution boundary (between chunks of its sub-agent stream,
// or before an external command starts).
func (o *Orchestrator) CancelTask(taskID string) error {
	o.teamMu.Lock()
	mt, ok := o.managedTasks[taskID]
	o.teamMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	mt.cancel()
	return nil
}

// startTask runs mt to completion (or, for background tasks, launches it
// and returns immediately), bracketing execution with hooks and main
// channel postings.
func (o *Orchestrator) startTask(ctx context.Context, mt *managedTaskState) {
	mt.mu.Lock()
	mt.ManagedTask.StartedAt = time.Now()
	mt.mu.Unlock()

	o.registerSubagentRun(ctx, mt)
	o.dispatchHook(ctx, hooks.EventSubagentStart, mt)
	o.postLifecycle(ctx, "task_started", mt)
	o.logTeamTask(ctx, audit.EventTeamTaskAssigned, mt, "started", 0)

	run := func() {
		result, err := o.executeManagedTask(ctx, mt)

		switch {
		case mt.isCancelled():
			mt.finish(models.TaskCancelled, result, err)
		case err != nil:
			mt.finish(models.TaskFailed, result, err)
		default:
			mt.finish(models.TaskCompleted, result, nil)
			o.teamMu.Lock()
			if o.sharedState == nil {
				o.sharedState = make(map[string]string)
			}
			o.sharedState[mt.ID] = result
			o.teamMu.Unlock()
		}
		o.completeSubagentRun(mt, result, err)

		o.dispatchHook(ctx, hooks.EventSubagentStop, mt)
		o.dispatchHook(ctx, hooks.EventTaskCompleted, mt)

		duration := mt.snapshot().EndedAt.Sub(mt.snapshot().StartedAt)
		switch mt.status() {
		case models.TaskCompleted:
			o.postLifecycle(ctx, "task_completed", mt)
			o.logTeamTask(ctx, audit.EventTeamTaskCompleted, mt, "completed", duration)
		case models.TaskFailed:
			o.postLifecycle(ctx, "task_failed", mt)
			o.logTeamTask(ctx, audit.EventTeamTaskCompleted, mt, "failed", duration)
		case models.TaskCancelled:
			o.postLifecycle(ctx, "task_cancelled", mt)
			o.logTeamTask(ctx, audit.EventTeamTaskCompleted, mt, "cancelled", duration)
		}
	}

	if mt.TeamTask.Background {
		mt.setStatus(models.TaskBackground)
		o.teamMu.Lock()
		if o.sharedState == nil {
			o.sharedState = make(map[string]string)
		}
		o.sharedState[mt.ID] = fmt.Sprintf("task %s is running in the background", mt.ID)
		o.teamMu.Unlock()
		o.startSubagentRun(mt.ID)
		go run()
		return
	}

	mt.setStatus(models.TaskRunning)
	o.startSubagentRun(mt.ID)
	run()
}

// registerSubagentRun records mt in the durable subagent registry, if one
// is configured, so the run survives a process restart that the in-memory
// managedTasks map would lose.
func (o *Orchestrator) registerSubagentRun(ctx context.Context, mt *managedTaskState) {
	o.teamMu.Lock()
	reg := o.subagentRegistry
	channelID := o.mainChannelID
	o.teamMu.Unlock()
	if reg == nil {
		return
	}
	reg.Register(RegisterSubagentParams{
		RunID:               mt.ID,
		ChildSessionKey:     mt.ID,
		RequesterSessionKey: channelID,
		RequesterDisplayKey: channelID,
		Task:                mt.Query,
		Label:               mt.AgentName,
		Cleanup:             "keep",
	})
}

func (o *Orchestrator) startSubagentRun(runID string) {
	o.teamMu.Lock()
	reg := o.subagentRegistry
	o.teamMu.Unlock()
	if reg == nil {
		return
	}
	_ = reg.Start(runID)
}

// completeSubagentRun records mt's outcome in the durable registry. Status
// mirrors managedTaskState's own TaskStatus values, mapped onto the
// registry's narrower Completed/Error/Timeout vocabulary.
func (o *Orchestrator) completeSubagentRun(mt *managedTaskState, result string, err error) {
	o.teamMu.Lock()
	reg := o.subagentRegistry
	o.teamMu.Unlock()
	if reg == nil {
		return
	}

	status := SubagentStatusCompleted
	errText := ""
	switch {
	case mt.isCancelled():
		status = SubagentStatusError
		errText = "cancelled"
	case err != nil:
		status = SubagentStatusError
		errText = err.Error()
	}

	_ = reg.Complete(mt.ID, &SubagentOutcome{
		Status:  status,
		Error:   errText,
		Result:  result,
		EndedAt: time.Now(),
	})
}

func (o *Orchestrator) executeManagedTask(ctx context.Context, mt *managedTaskState) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if mt.isCancelled() {
		return "", fmt.Errorf("task %s cancelled before start", mt.ID)
	}

	if mt.TeamTask.Isolation == models.IsolationWorktree {
		if o.worktrees == nil {
			return "", fmt.Errorf("task %s requests worktree isolation but no WorktreeManager is configured", mt.ID)
		}
		dir, cleanup, err := o.worktrees.Create(ctx, mt.ID)
		if err != nil {
			return "", fmt.Errorf("create worktree: %w", err)
		}
		defer cleanup()
		mt.TeamTask.WorkingDirectory = dir
		o.dispatchHook(ctx, hooks.EventWorktreeCreate, mt)
		defer o.dispatchHook(ctx, hooks.EventWorktreeRemove, mt)
	}

	if mt.TeamTask.ExternalCommand != "" {
		return o.runExternalCommand(ctx, mt)
	}

	agentID, err := o.resolveTaskAgent(ctx, mt.TeamTask)
	if err != nil {
		return "", err
	}
	runtime, ok := o.GetRuntime(agentID)
	if !ok {
		return "", fmt.Errorf("agent runtime not found: %s", agentID)
	}

	prompt := o.buildCollaborativePrompt(mt.TeamTask)
	sess := &models.Session{ID: uuid.NewString(), AgentID: agentID}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Role:      models.RoleUser,
		Content:   prompt,
		CreatedAt: time.Now(),
	}

	taskCtx := WithCurrentAgent(ctx, agentID)
	chunks, err := runtime.Process(taskCtx, sess, msg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return sb.String(), chunk.Error
		}
		if mt.isCancelled() {
			return sb.String(), fmt.Errorf("task %s cancelled", mt.ID)
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// resolveTaskAgent picks the agent a task runs under: its explicit
// AgentName, else the best capability match, else the configured default,
// else whichever agent happens to be registered first.
func (o *Orchestrator) resolveTaskAgent(ctx context.Context, t *models.TeamTask) (string, error) {
	if t.AgentName != "" {
		if _, ok := o.GetAgent(t.AgentName); ok {
			return t.AgentName, nil
		}
		return "", fmt.Errorf("agent not found: %s", t.AgentName)
	}

	if o.capRouter != nil {
		if best, err := o.capRouter.SelectBestAgent(ctx, AgentRequirements{}); err == nil && best != nil {
			return best.ID, nil
		}
	}

	if o.config.DefaultAgentID != "" {
		if _, ok := o.GetAgent(o.config.DefaultAgentID); ok {
			return o.config.DefaultAgentID, nil
		}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for id := range o.agents {
		return id, nil
	}
	return "", fmt.Errorf("no agents available")
}

// buildCollaborativePrompt assembles a task's prompt (§4.8): an optional
// collaboration note, each dependency's recorded output, then the task's
// own query.
func (o *Orchestrator) buildCollaborativePrompt(t *models.TeamTask) string {
	var parts []string
	if t.CollaborationNote != "" {
		parts = append(parts, t.CollaborationNote)
	}

	o.teamMu.Lock()
	for _, dep := range t.DependsOn {
		if out, ok := o.sharedState[dep]; ok {
			parts = append(parts, fmt.Sprintf("Dependency %s output:\n%s", dep, out))
		}
	}
	o.teamMu.Unlock()

	parts = append(parts, fmt.Sprintf("Task:\n%s", t.Query))
	return strings.Join(parts, "\n\n")
}

// runExternalCommand dispatches a task's ExternalCommand as a one-shot
// subprocess, passing the task's identity through the environment rather
// than argv so commands can ignore it without argument-parsing changes.
func (o *Orchestrator) runExternalCommand(ctx context.Context, mt *managedTaskState) (string, error) {
	fields := strings.Fields(mt.TeamTask.ExternalCommand)
	if len(fields) == 0 {
		return "", fmt.Errorf("task %s: empty external command", mt.ID)
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	if mt.TeamTask.WorkingDirectory != "" {
		cmd.Dir = mt.TeamTask.WorkingDirectory
	}
	cmd.Env = append(os.Environ(),
		"OMNI_AGENT_TASK_ID="+mt.ID,
		"OMNI_AGENT_TOOL_USE_ID="+mt.TeamTask.ToolUseID,
		"OMNI_AGENT_TASK_QUERY="+mt.TeamTask.Query,
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("external command failed: %w", err)
	}
	return string(out), nil
}

func (o *Orchestrator) postLifecycle(ctx context.Context, event string, mt *managedTaskState) {
	o.teamMu.Lock()
	poster, channelID := o.poster, o.mainChannelID
	o.teamMu.Unlock()
	if poster == nil {
		return
	}
	text := fmt.Sprintf("[%s] task %s", event, mt.ID)
	_ = poster.PostMessage(ctx, channelID, "orchestrator", text)
}

func (o *Orchestrator) logTeamTask(ctx context.Context, eventType audit.EventType, mt *managedTaskState, status string, duration time.Duration) {
	o.mu.RLock()
	logger := o.auditLogger
	o.mu.RUnlock()
	if logger == nil {
		return
	}
	logger.LogTeamTask(ctx, eventType, o.mainChannelID, mt.ID, mt.AgentName, status, duration)
}

func (o *Orchestrator) dispatchHook(ctx context.Context, eventType hooks.EventType, mt *managedTaskState) {
	o.teamMu.Lock()
	dispatcher := o.hookDispatcher
	o.teamMu.Unlock()
	if dispatcher == nil {
		return
	}
	_ = dispatcher.Trigger(ctx, &hooks.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Context:   map[string]any{"task_id": mt.ID},
	})
}

func (o *Orchestrator) snapshotTasks(tasks map[string]*managedTaskState) map[string]*models.ManagedTask {
	out := make(map[string]*models.ManagedTask, len(tasks))
	for id, mt := range tasks {
		out[id] = mt.snapshot()
	}
	return out
}

func dependenciesSatisfied(deps []string, completed map[string]bool) bool {
	for _, d := range deps {
		if !completed[d] {
			return false
		}
	}
	return true
}
