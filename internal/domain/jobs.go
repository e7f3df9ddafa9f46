package domain

import "encoding/json"

// NotificationPayload is carried by jobs on the notifications queue.
type NotificationPayload struct {
	DeliveryID string          `json:"deliveryId"`
	Channel    Channel         `json:"channel"`
	Recipient  string          `json:"recipient"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// DisasterJobType discriminates jobs on the disasters queue.
type DisasterJobType string

const (
	DisasterCreated   DisasterJobType = "created"
	DisasterUpdated   DisasterJobType = "updated"
	DisasterEscalated DisasterJobType = "escalated"
	DisasterResolved  DisasterJobType = "resolved"
)

func (t DisasterJobType) IsValid() bool {
	switch t {
	case DisasterCreated, DisasterUpdated, DisasterEscalated, DisasterResolved:
		return true
	}
	return false
}

// DisasterPayload is carried by jobs on the disasters queue.
type DisasterPayload struct {
	DisasterID string          `json:"disasterId"`
	Type       DisasterJobType `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// DisasterAlert is the shape of Data for created and escalated disasters.
type DisasterAlert struct {
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	Region   string    `json:"region"`
	Channels []Channel `json:"channels,omitempty"`
}

// PriorityForSeverity maps an alert severity onto a queue priority.
func PriorityForSeverity(severity string) int {
	switch severity {
	case "critical":
		return 10
	case "high":
		return 5
	case "medium":
		return 2
	}
	return 0
}

// AgentTaskPayload is carried by jobs on the agent-tasks queue.
type AgentTaskPayload struct {
	AgentName string          `json:"agentName"`
	Task      string          `json:"task"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Recipient is a resolved destination for a disaster alert.
type Recipient struct {
	Channel Channel `json:"channel"`
	Address string  `json:"address"`
}
