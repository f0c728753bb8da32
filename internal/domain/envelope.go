package domain

// Envelope is the WebSocket message shape of spec §6. `ID` means: tool-use
// id for tool messages, workflow id for workflow messages, execution id for
// execution messages, trigger-rule id for rule messages — the Gateway's
// dispatch table is what gives ID its meaning for a given Type.
type Envelope struct {
	Type           string      `json:"type"`
	ID             string      `json:"id,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	Content        string      `json:"content,omitempty"`
	Metadata       MetadataMap `json:"metadata,omitempty"`
}

// Well-known envelope type strings (§4.11/§6). Non-exhaustive by design —
// handlers unknown to the Gateway's dispatch table yield an `error`
// envelope rather than a compile-time enum violation.
const (
	TypePing  = "ping"
	TypePong  = "pong"
	TypeStatus = "status"
	TypeError  = "error"

	TypeUserMessage    = "user_message"
	TypeAssistantChunk = "assistant_chunk"
	TypeAssistantDone  = "assistant_done"
	TypeThinkingChunk  = "thinking_chunk"
	TypeThinkingDone   = "thinking_done"
	TypeToolCallStart  = "tool_call_start"
	TypeToolCallDone   = "tool_call_done"

	TypeNewConversation        = "new_conversation"
	TypeLoadConversation       = "load_conversation"
	TypeConversationLoaded     = "conversation_loaded"
	TypeDeleteConversation     = "delete_conversation"
	TypeConversationDeleted    = "conversation_deleted"
	TypeListConversations      = "list_conversations"
	TypeConversationList       = "conversation_list"
	TypeConversationCreated    = "conversation_created"

	TypeCreateWorkflow = "create_workflow"
	TypeUpdateWorkflow = "update_workflow"
	TypeDeleteWorkflow = "delete_workflow"
	TypeListWorkflows  = "list_workflows"
	TypeGetWorkflow    = "get_workflow"
	TypeWorkflowCreated = "workflow_created"
	TypeWorkflowUpdated = "workflow_updated"
	TypeWorkflowDeleted = "workflow_deleted"
	TypeWorkflowList    = "workflow_list"
	TypeWorkflowLoaded  = "workflow_loaded"

	TypeRunWorkflow    = "run_workflow"
	TypeCancelWorkflow = "cancel_workflow"
	TypeListExecutions = "list_executions"
	TypeGetExecution   = "get_execution"
	TypeExecutionList  = "execution_list"
	TypeExecutionLoaded = "execution_loaded"

	TypeWorkflowExecutionStarted = "workflow_execution_started"
	TypeWorkflowStepUpdate       = "workflow_step_update"
	TypeWorkflowExecutionDone    = "workflow_execution_done"
	TypeWorkflowNotification     = "workflow_notification"

	TypeListTools     = "list_tools"
	TypeToolList      = "tool_list"
	TypeParseSchedule = "parse_schedule"
	TypeBuildWorkflow = "build_workflow"

	TypeEmailStatus        = "email_status"
	TypeEmailAuth          = "email_auth"
	TypeEmailAuthDone      = "email_auth_done"
	TypeEmailPoll          = "email_poll"
	TypeEmailPollingUpdate = "email_polling_update"
	TypeEmailTriggerCreate = "email_trigger_create"
	TypeEmailTriggerUpdate = "email_trigger_update"
	TypeEmailTriggerDelete = "email_trigger_delete"
	TypeEmailTriggerList   = "email_trigger_list"
)

// Error codes used in `error` envelopes, per spec §7.
const (
	ErrCodeMissingField = "MISSING_FIELD"
	ErrCodeInvalidData  = "INVALID_DATA"
	ErrCodeUnknownType  = "UNKNOWN_TYPE"
	ErrCodeStorageError = "STORAGE_ERROR"
	ErrCodeUpstream     = "UPSTREAM_ERROR"
)

// ErrorEnvelope builds a self-contained `error` envelope body. Callers pack
// code/message into Metadata so the client can render it inline.
func ErrorEnvelope(code, message string) Envelope {
	return Envelope{
		Type: TypeError,
		Metadata: MetadataMap{
			"code":    StringValue(code),
			"message": StringValue(message),
		},
	}
}
