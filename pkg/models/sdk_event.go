package models

// SDKEventType discriminates the externally observable event shapes a Query
// yields. This is the wire-facing union consumers (UIs, logs, analytics)
// iterate over; it is distinct from AgentEvent, which is the richer
// in-process telemetry bus the loop and plugins operate on.
type SDKEventType string

const (
	SDKEventText             SDKEventType = "text"
	SDKEventToolUse          SDKEventType = "tool_use"
	SDKEventToolResult       SDKEventType = "tool_result"
	SDKEventStatus           SDKEventType = "status"
	SDKEventHook             SDKEventType = "hook"
	SDKEventResult           SDKEventType = "result"
	SDKEventTaskNotification SDKEventType = "task_notification"
	SDKEventRequestUserInput SDKEventType = "request_user_input"
	SDKEventPlanUpdate       SDKEventType = "plan_update"
)

// SDKStatusSubtype enumerates `status` event subtypes.
type SDKStatusSubtype string

const (
	SDKStatusInfo     SDKStatusSubtype = "info"
	SDKStatusProgress SDKStatusSubtype = "progress"
	SDKStatusWarning  SDKStatusSubtype = "warning"
	SDKStatusError    SDKStatusSubtype = "error"
)

// SDKHookSubtype enumerates `hook` event subtypes.
type SDKHookSubtype string

const (
	SDKHookStarted  SDKHookSubtype = "started"
	SDKHookResponse SDKHookSubtype = "response"
)

// SDKResultSubtype enumerates `result` event subtypes.
type SDKResultSubtype string

const (
	SDKResultSuccess SDKResultSubtype = "success"
	SDKResultError   SDKResultSubtype = "error"
)

// SDKTaskNotificationSubtype enumerates `task_notification` event subtypes.
type SDKTaskNotificationSubtype string

const (
	SDKTaskStarted   SDKTaskNotificationSubtype = "task_started"
	SDKTaskCompleted SDKTaskNotificationSubtype = "task_completed"
	SDKTaskFailed    SDKTaskNotificationSubtype = "task_failed"
	SDKTaskCancelled SDKTaskNotificationSubtype = "task_cancelled"
)

// ErrorCode is the fixed taxonomy of codes surfaced to Query consumers (§6).
type ErrorCode string

const (
	ErrCodeInterrupted             ErrorCode = "INTERRUPTED"
	ErrCodeBudgetExceeded          ErrorCode = "BUDGET_EXCEEDED"
	ErrCodePolicyDeniedTurn        ErrorCode = "POLICY_DENIED_TURN"
	ErrCodeToolPermissionDenied    ErrorCode = "TOOL_PERMISSION_DENIED"
	ErrCodeToolNotFound            ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeToolBlockedByHook       ErrorCode = "TOOL_BLOCKED_BY_HOOK"
	ErrCodeToolExecutionFailed     ErrorCode = "TOOL_EXECUTION_FAILED"
	ErrCodeProviderGenerateFailed  ErrorCode = "PROVIDER_GENERATE_TEXT_FAILED"
	ErrCodeStructuredOutputInvalid ErrorCode = "STRUCTURED_OUTPUT_INVALID"
	ErrCodeAgentLoopFailed         ErrorCode = "AGENT_LOOP_FAILED"
	ErrCodeUnknownCommand          ErrorCode = "UNKNOWN_COMMAND"
)

// ErrorSource identifies which layer raised an SDKErrorDetail.
type ErrorSource string

const (
	ErrSourceCore       ErrorSource = "core"
	ErrSourcePermission ErrorSource = "permission"
	ErrSourceTool       ErrorSource = "tool"
	ErrSourceProvider   ErrorSource = "provider"
	ErrSourceHook       ErrorSource = "hook"
	ErrSourceCommand    ErrorSource = "command"
)

// SDKErrorDetail is the structured error payload carried by status/result events.
type SDKErrorDetail struct {
	Code      ErrorCode   `json:"code"`
	Source    ErrorSource `json:"source"`
	Message   string      `json:"message"`
	Details   string      `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`
}

// SDKQuestionOption is one selectable answer to a request_user_input question.
type SDKQuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// SDKQuestion is a single question posed to the user via request_user_input.
type SDKQuestion struct {
	ID       string              `json:"id"`
	Header   string              `json:"header"`
	Question string              `json:"question"`
	IsOther  bool                `json:"isOther,omitempty"`
	IsSecret bool                `json:"isSecret,omitempty"`
	Options  []SDKQuestionOption `json:"options,omitempty"`
}

// SDKPlanStep is one step of a plan_update payload.
type SDKPlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"` // pending|in_progress|completed
}

// SDKEvent is one item of the ordered event stream a Query yields (§6).
// Exactly the fields relevant to Type are populated; all others are zero.
type SDKEvent struct {
	Type SDKEventType `json:"type"`
	UUID string       `json:"uuid"`

	// text
	Text      string `json:"text,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`

	// tool_use / tool_result
	Tool       string          `json:"tool,omitempty"`
	Input      map[string]any  `json:"input,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Error      *SDKErrorDetail `json:"error,omitempty"`
	Suggestion []string        `json:"suggestions,omitempty"`

	// status
	StatusSubtype SDKStatusSubtype `json:"subtype,omitempty"`
	Message       string           `json:"message,omitempty"`

	// hook
	HookSubtype SDKHookSubtype `json:"hook_subtype,omitempty"`
	HookName    string         `json:"hook_name,omitempty"`
	HookEvent   string         `json:"event,omitempty"`

	// result
	ResultSubtype SDKResultSubtype `json:"result_subtype,omitempty"`
	Structured    any              `json:"structured,omitempty"`
	Usage         *UsageSnapshot   `json:"usage,omitempty"`

	// task_notification
	TaskSubtype SDKTaskNotificationSubtype `json:"task_subtype,omitempty"`
	TaskID      string                     `json:"task_id,omitempty"`
	AgentName   string                     `json:"agent_name,omitempty"`

	// request_user_input
	CallID    string        `json:"call_id,omitempty"`
	TurnID    string        `json:"turn_id,omitempty"`
	Questions []SDKQuestion `json:"questions,omitempty"`

	// plan_update
	Explanation string        `json:"explanation,omitempty"`
	Plan        []SDKPlanStep `json:"plan,omitempty"`
}

// UsageSnapshot is the cumulative token usage attached to text/result events.
type UsageSnapshot struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
}
