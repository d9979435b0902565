package preference

// Candidate is one preferred handler on a requester's list.
type Candidate struct {
	HandlerID   string `json:"handlerId"`
	DisplayName string `json:"displayName,omitempty"`
	ContactRef  string `json:"contactRef,omitempty"`
	// ResponseTimeoutSeconds of zero defers to the list default.
	ResponseTimeoutSeconds int `json:"responseTimeoutSeconds,omitempty"`
	Rank                   int `json:"rank"`
	Position               int `json:"position"`
}

// List is a requester's ordered candidates plus escalation settings. Durations are whole seconds.
type List struct {
	RequesterID                   string      `json:"requesterId"`
	Candidates                    []Candidate `json:"candidates"`
	DefaultResponseTimeoutSeconds int         `json:"defaultResponseTimeoutSeconds"`
	MaxEscalationSeconds          int         `json:"maxEscalationSeconds"`
}
