// Package protocol defines the messages exchanged between the relay, its
// producers and the browser clients connected over WebSocket.
package protocol

import "encoding/json"

// Message types from client to relay
const (
	TypeHello               = "hello"
	TypeUpdateUser          = "updateUser"
	TypeFeaturePastMessages = "featurePastMessages"
)

// Message types from relay to client
const (
	TypeHelloAck = "hello_ack"
	TypeError    = "error"
)

// Lifecycle events pushed to clients. The display names are what the
// dashboard store dispatches on.
const (
	TypeFeatureQueued       = "[WebSockets] Feature Queued"
	TypeFeatureInitializing = "[WebSockets] Feature Initializing"
	TypeFeatureStarted      = "[WebSockets] Feature Started"
	TypeStepStarted         = "[WebSockets] Started Step"
	TypeStepDetail          = "[WebSockets] Step Detail"
	TypeStepFinished        = "[WebSockets] Finished Step"
	TypeFeatureFinished     = "[WebSockets] Feature Finished"
	TypeFeatureRunCompleted = "[WebSockets] Feature Run Completed"
	TypeFeatureKilled       = "[WebSockets] Feature Killed"
	TypeFeatureError        = "[WebSockets] Feature Error"
	TypeDataDrivenStatus    = "[WebSockets] Data Driven Status"
	TypeMobileContainer     = "[WebSockets] Mobile Container Status"
	TypeMobileShared        = "[WebSockets] Mobile Container Shared"
	TypeReplay              = "[WebSockets] Feature Past Messages"
)

// Administrative actions relayed through sendAction.
const (
	TypeAccountModified    = "[Accounts] Account Modified"
	TypeAccountRemoved     = "[Accounts] Account Removed"
	TypeDepartmentModified = "[Departments] Department Modified"
	TypeDepartmentRemoved  = "[Departments] Department Removed"
	TypeFolderModified     = "[Folders] Folder Modified"
	TypeFolderRemoved      = "[Folders] Folder Removed"
	TypeFeatureCreated     = "[Features] Feature Created"
	TypeFeatureModified    = "[Features] Feature Modified"
	TypeFeatureRemoved     = "[Features] Feature Removed"
	TypeVariablesModified  = "[Variables] Variables Modified"
)

// Permission names carried in Identity.Permissions.
const (
	PermViewAccounts         = "view_accounts"
	PermViewDepartmentsPanel = "view_departments_panel"
)

// BaseMessage contains common fields for session control messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// HelloMessage is sent by the client to establish its identity.
type HelloMessage struct {
	BaseMessage
	User  *Identity `json:"user,omitempty"`
	Token string    `json:"token,omitempty"`
}

// HelloAckMessage is sent by the relay after a successful hello.
type HelloAckMessage struct {
	BaseMessage
	ConnectionID string `json:"connection_id"`
	UserID       int64  `json:"user_id"`
}

// UpdateUserMessage replaces the identity of an active connection. User is
// either an identity object or a JSON string holding one.
type UpdateUserMessage struct {
	BaseMessage
	User json.RawMessage `json:"user"`
}

// FeaturePastMessagesRequest asks for a replay of the latest run of a feature.
type FeaturePastMessagesRequest struct {
	BaseMessage
	FeatureID json.RawMessage `json:"feature_id"`
}

// FeaturePastMessages is the replay answer, sent to the requester only.
type FeaturePastMessages struct {
	BaseMessage
	FeatureID int64 `json:"feature_id"`
	// RunID is nil when the feature has no runs. Run 0 is a valid run.
	RunID    *int64    `json:"run_id,omitempty"`
	Messages []Message `json:"messages"`
}

// ErrorMessage is sent by the relay when a client frame is rejected.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage    = "invalid_message"
	ErrorCodeInvalidIdentity   = "invalid_identity"
	ErrorCodeUnauthorized      = "unauthorized"
	ErrorCodeInvalidTransition = "invalid_transition"
	ErrorCodeHandshakeTimeout  = "handshake_timeout"
	ErrorCodeInternalError     = "internal_error"
)
