package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type FollowupStatus string

const (
	FollowupStatusPending   FollowupStatus = "pending"
	FollowupStatusSent      FollowupStatus = "sent"
	FollowupStatusFailed    FollowupStatus = "failed"
	FollowupStatusCancelled FollowupStatus = "cancelled"
)

// Followup is one scheduled automated message to a lead.
type Followup struct {
	ID          string
	TenantID    string
	LeadID      string
	Kind        string
	Status      FollowupStatus
	ScheduledAt time.Time
	CompletedAt *time.Time
	Content     string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Lead struct {
	ID        string
	TenantID  string
	Name      string
	Phone     string
	OptedOut  bool
	CreatedAt time.Time
}

type MessageDirection string

const (
	MessageInbound  MessageDirection = "inbound"
	MessageOutbound MessageDirection = "outbound"
)

type Message struct {
	ID         string
	TenantID   string
	LeadID     string
	Direction  MessageDirection
	Body       string
	ExternalID string
	FollowupID string
	CreatedAt  time.Time
}

// Integration maps an external account id of a webhook source to a tenant.
type Integration struct {
	ID         string
	TenantID   string
	Source     string
	ExternalID string
	CreatedAt  time.Time
}

type Frequency string

const (
	FrequencyDaily        Frequency = "daily"
	FrequencyThreePerWeek Frequency = "three_per_week"
	FrequencyWeekly       Frequency = "weekly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyThreePerWeek, FrequencyWeekly:
		return true
	default:
		return false
	}
}

// TenantSettings holds a tenant's automation preferences.
type TenantSettings struct {
	TenantID          string
	AutomationEnabled bool
	Frequency         Frequency
	WindowStart       string
	Timezone          string
	Tone              string
	Goal              string
	Language          string
	Audience          string
	UpdatedAt         time.Time
}

// Location resolves the tenant time zone, defaulting to UTC.
func (s TenantSettings) Location() (*time.Location, error) {
	if strings.TrimSpace(s.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("tenant timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// WindowClock parses WindowStart ("HH:MM") into hour and minute.
func (s TenantSettings) WindowClock() (int, int, error) {
	return ParseClock(s.WindowStart)
}

func ParseClock(value string) (int, int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 9, 0, nil
	}
	hourText, minuteText, ok := strings.Cut(value, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid window start %q", value)
	}
	hour, err := strconv.Atoi(hourText)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid window start %q", value)
	}
	minute, err := strconv.Atoi(minuteText)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid window start %q", value)
	}
	return hour, minute, nil
}
