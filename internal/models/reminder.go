package models

import (
	"time"
)

// ReminderType is the kind of message sent to the patient.
type ReminderType string

const (
	TypeAppointment    ReminderType = "appointment"
	TypeMedication     ReminderType = "medication"
	TypeFollowUp       ReminderType = "follow_up"
	TypeEmergencyAlert ReminderType = "emergency_alert"
	TypeHealthTip      ReminderType = "health_tip"
)

// ReminderTypes lists every supported reminder type.
var ReminderTypes = []ReminderType{TypeAppointment, TypeMedication, TypeFollowUp, TypeEmergencyAlert, TypeHealthTip}

func (t ReminderType) Valid() bool {
	for _, v := range ReminderTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DeliveryMethod selects the outgoing channel(s).
type DeliveryMethod string

const (
	MethodSMS   DeliveryMethod = "sms"
	MethodVoice DeliveryMethod = "voice"
	MethodBoth  DeliveryMethod = "both"
)

func (m DeliveryMethod) Valid() bool {
	return m == MethodSMS || m == MethodVoice || m == MethodBoth
}

// Priority is a scheduling hint only: it orders due items inside one cycle.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh || p == PriorityUrgent
}

// Rank is higher for more urgent priorities. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Reminder is the durable record for one reminder, persisted by the store.
type Reminder struct {
	ID                string         `json:"id"`
	PatientID         int64          `json:"patient_id"`
	Type              ReminderType   `json:"reminder_type"`
	DeliveryMethod    DeliveryMethod `json:"delivery_method"`
	Status            Status         `json:"status"`
	ScheduledTime     time.Time      `json:"scheduled_time"`
	Priority          Priority       `json:"priority"`
	CustomMessage     *string        `json:"custom_message,omitempty"`
	Metadata          map[string]any `json:"metadata"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	RetryInterval     int            `json:"retry_interval"`
	ExternalMessageID *string        `json:"external_message_id,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
}

// RetryIntervalDuration returns RetryInterval (seconds) as a duration.
func (r Reminder) RetryIntervalDuration() time.Duration {
	return time.Duration(r.RetryInterval) * time.Second
}

// Stats summarises reminders by status.
type Stats struct {
	Total               int64            `json:"total_reminders"`
	ByStatus            map[Status]int64 `json:"by_status"`
	DeliveryRate        float64          `json:"delivery_rate"`
	AverageDeliveryTime *float64         `json:"average_delivery_time,omitempty"`
}
