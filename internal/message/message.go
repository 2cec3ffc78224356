package message

// Step names identifying what produced a message.
const (
	StepSend    = "SEND"
	StepApprove = "APPROVE"
	StepBuild   = "BUILD"
	StepTest    = "TEST"
)

// AnonymousUser is the user name reported when no human trigger can be
// recovered from the cause chain.
const AnonymousUser = "anonymous"

// Parameter describes one input the approval gate should collect. The set
// of fields mirrors what the host's input mechanism understands; cibot only
// carries them.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     string `json:"default,omitempty"`
}

// Message is the wire payload for one notification. Token values are
// pointers so an expansion miss serializes as an explicit null.
type Message struct {
	Message    string             `json:"message"`
	Status     string             `json:"status,omitempty"`
	ExtraData  map[string]string  `json:"extraData,omitempty"`
	UserName   string             `json:"userName,omitempty"`
	UserID     string             `json:"userId,omitempty"`
	BuildCause string             `json:"buildCause,omitempty"`
	StepName   string             `json:"stepName,omitempty"`
	EnvVars    map[string]string  `json:"envVars,omitempty"`
	Tokens     map[string]*string `json:"tokens,omitempty"`
	TS         int64              `json:"ts"`

	// Approval-only fields.
	ID                 string      `json:"id,omitempty"`
	Submitter          string      `json:"submitter,omitempty"`
	SubmitterParameter string      `json:"submitterParameter,omitempty"`
	OK                 string      `json:"ok,omitempty"`
	Parameters         []Parameter `json:"parameters,omitempty"`
}
