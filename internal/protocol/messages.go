package protocol

import "encoding/json"

// Envelope is the minimum shape every inbound frame must have: a
// discriminator field used to dispatch to a concrete message type.
type Envelope struct {
	Type string `json:"type"`
}

// Role identifies which side of the protocol a session authenticated as.
type Role string

const (
	RoleBridge   Role = "bridge"
	RoleConsumer Role = "consumer"
)

// Auth is the first frame any session must send.
type Auth struct {
	Type     string `json:"type"`
	Secret   string `json:"secret"`
	Role     Role   `json:"role"`
	ClientID string `json:"clientId,omitempty"`
}

// AuthSuccess acknowledges a valid Auth frame.
type AuthSuccess struct {
	Type     string `json:"type"`
	Role     Role   `json:"role"`
	ClientID string `json:"clientId"`
}

// Hello advertises a bridge's capabilities and identity.
type Hello struct {
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Platform     string   `json:"platform"`
	ProjectID    string   `json:"projectId,omitempty"`
	Route        string   `json:"route,omitempty"`
	URL          string   `json:"url,omitempty"`
	Protocol     int      `json:"protocol"`
}

// HelloAck acknowledges a Hello frame.
type HelloAck struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Protocol int    `json:"protocol"`
}

// Subscribe registers a consumer's filter preferences.
type Subscribe struct {
	Type         string   `json:"type"`
	Levels       []string `json:"levels"`
	Capabilities []string `json:"capabilities,omitempty"`
	LLMFilter    string   `json:"llm_filter,omitempty"`
}

// SubscribeAck acknowledges a Subscribe frame with its normalized filter.
type SubscribeAck struct {
	Type         string   `json:"type"`
	ClientID     string   `json:"clientId"`
	Levels       []string `json:"levels"`
	Capabilities []string `json:"capabilities"`
	LLMFilter    string   `json:"llm_filter"`
}

// Ping and Pong are the heartbeat frames.
type Ping struct {
	Type string `json:"type"`
}

type Pong struct {
	Type string `json:"type"`
}

// Event is a tagged bridge event. Only the fields listed here are decoded;
// any other field in an incoming frame is dropped and is not forwarded to
// consumers.
type Event struct {
	Type       string          `json:"type"`
	Level      string          `json:"level,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	ProjectID  string          `json:"projectId,omitempty"`
	Stack      string          `json:"stack,omitempty"`
	URL        string          `json:"url,omitempty"`
	Route      string          `json:"route,omitempty"`
	Mime       string          `json:"mime,omitempty"`
	Data       string          `json:"data,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Breadcrumbs json.RawMessage `json:"breadcrumbs,omitempty"`
	Navigation json.RawMessage `json:"navigation,omitempty"`
	Network    json.RawMessage `json:"network,omitempty"`
}

// ControlRequest is sent by either a bridge or a consumer to invoke an
// action on its counterpart.
type ControlRequest struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Action       string          `json:"action"`
	Args         json.RawMessage `json:"args,omitempty"`
	Code         string          `json:"code,omitempty"`
	ExpectResult bool            `json:"expectResult,omitempty"`
	TimeoutMs    int             `json:"timeoutMs,omitempty"`
}

// ControlError is the error payload of a failed ControlResult.
type ControlError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ControlResult answers a ControlRequest, identified by ID.
type ControlResult struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ControlError   `json:"error,omitempty"`
}

// ControlForwarded tells the originator how many counterparts (bridges for a
// consumer's request, consumers for a bridge's request) the broker delivered
// its control_request to.
type ControlForwarded struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Delivered int    `json:"delivered"`
}

// RateLimitNotice is sent back to a bridge when a screenshot event is
// suppressed instead of forwarded.
type RateLimitNotice struct {
	Type         string `json:"type"`
	Reason       string `json:"reason"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
	Message      string `json:"message"`
}

const (
	ReasonMissingCapability = "missing_capability"
	ReasonRateLimit         = "rate_limit"
	ReasonNoConsumers       = "no_consumers"
	ReasonInvalidFormat     = "invalid_format"
)

// InfoEvent builds the literal buffered-drop notice spec.md §3/§4.7.2 mandates.
func InfoEvent(message string) Event {
	return Event{Type: "info", Level: "info", Message: message}
}
