package models

import "time"

// TaskStatus is the lifecycle state of a ManagedTask.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunning    TaskStatus = "running"
	TaskBackground TaskStatus = "background"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskIsolation selects how a TeamTask's sub-agent is sandboxed.
type TaskIsolation string

const (
	IsolationNone     TaskIsolation = ""
	IsolationWorktree TaskIsolation = "worktree"
)

// TeamTask is a node of an Orchestrator TeamPlan's dependency graph.
type TeamTask struct {
	ID                string
	Query             string
	AgentName         string
	DependsOn         []string
	Background        bool
	CollaborationNote string
	ExternalCommand   string
	WorkingDirectory  string
	ToolUseID         string
	Isolation         TaskIsolation
}

// TeamPlan is the Orchestrator's unit of work: a task graph plus a bound on
// how many sibling tasks may run concurrently.
type TeamPlan struct {
	Tasks       []*TeamTask
	MaxParallel int
}

// ManagedTask is a TeamTask plus the Orchestrator's runtime bookkeeping for
// it: status, result, and error, guarded against concurrent StartTask /
// waitForBackground / cancelTask access.
type ManagedTask struct {
	*TeamTask
	Status    TaskStatus
	Result    string
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}
