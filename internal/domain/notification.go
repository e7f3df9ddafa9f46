package domain

import (
	"encoding/json"
	"time"
)

// Channel is the delivery channel for a notification.
type Channel string

const (
	ChannelSMS     Channel = "sms"
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
	ChannelSocial  Channel = "social"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelSMS, ChannelEmail, ChannelPush, ChannelWebhook, ChannelSocial}

func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush, ChannelWebhook, ChannelSocial:
		return true
	}
	return false
}

// DeliveryStatus tracks the lifecycle of a delivery record.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// transitions lists the statuses each status may move to.
// Progress is forward only; sending -> queued is the retry edge and failed is terminal.
var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusQueued:    {StatusSending, StatusFailed},
	StatusSending:   {StatusQueued, StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusRead:      nil,
	StatusFailed:    nil,
}

func (s DeliveryStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a record in status s may move to next.
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// SourcesFor returns every status from which next is reachable in one step.
// The SQL repository uses it to guard conditional updates.
func SourcesFor(next DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, from := range []DeliveryStatus{StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// DeliveryRecord is the audit entity for one notification job.
// It is never deleted, only superseded by later status.
type DeliveryRecord struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	Channel       Channel         `json:"channel"`
	Recipient     string          `json:"recipient"`
	Message       string          `json:"message"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Priority      int             `json:"priority"`
	Status        DeliveryStatus  `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ProviderMsgID *string         `json:"provider_message_id,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	ReadAt        *time.Time      `json:"read_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NotificationRequest is the inbound payload for a single notification.
type NotificationRequest struct {
	Channel   Channel         `json:"channel"`
	Recipient string          `json:"recipient"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Priority  int             `json:"priority"`
}

func (r *NotificationRequest) Validate() error {
	if !r.Channel.IsValid() {
		return ErrInvalidChannel
	}
	if r.Recipient == "" {
		return ErrInvalidRecipient
	}
	if r.Message == "" || len(r.Message) > 4096 {
		return ErrInvalidMessage
	}
	return nil
}

// ListFilter holds query parameters for paginated delivery listing.
type ListFilter struct {
	Status  *DeliveryStatus
	Channel *Channel
	From    *time.Time
	To      *time.Time
	Page    int
	Limit   int
}
