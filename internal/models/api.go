package models

import (
	"encoding/json"
	"time"
)

// WebhookEnvelope is the body accepted from the external system (webhook or change feed).
type WebhookEnvelope struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Version    json.RawMessage `json:"version,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// TriggerRequest is the POST /sync/trigger payload.
// Idempotency-Key header wins over request_id.
type TriggerRequest struct {
	RequestID  string          `json:"request_id,omitempty"`
	EntityType string          `json:"entity_type"`
	SourceType string          `json:"source_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// IngestResponse is returned by the webhook, trigger and replay endpoints.
type IngestResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

type DatabaseHealth struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

type QueueHealth struct {
	Pending           int64 `json:"pending"`
	Processing        int64 `json:"processing"`
	Failed            int64 `json:"failed"`
	CompletedLastHour int64 `json:"completed_last_hour"`
}

type HealthResponse struct {
	Status        string         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Database      DatabaseHealth `json:"database"`
	Queue         QueueHealth    `json:"queue"`
	Version       string         `json:"version"`
}

type OldestPending struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	EntityType EntityType `json:"entity_type"`
	AgeMinutes float64    `json:"age_minutes"`
}

type ProcessingRate struct {
	LastMinute  int64 `json:"last_minute"`
	LastHour    int64 `json:"last_hour"`
	Last24Hours int64 `json:"last_24_hours"`
}

type QueueStats struct {
	Timestamp      time.Time             `json:"timestamp"`
	TotalEvents    int64                 `json:"total_events"`
	ByStatus       map[EventStatus]int64 `json:"by_status"`
	ByEntity       map[EntityType]int64  `json:"by_entity"`
	ByPriority     map[Priority]int64    `json:"by_priority"`
	OldestPending  *OldestPending        `json:"oldest_pending"`
	ProcessingRate *ProcessingRate       `json:"processing_rate"`
}

type WebhookChecks struct {
	Database        string `json:"database"`
	QueueProcessing string `json:"queue_processing"`
	RecentFailures  string `json:"recent_failures"`
}

type WebhookMetrics struct {
	TotalWebhooksReceived   int64   `json:"total_webhooks_received"`
	SuccessfulLastHour      int64   `json:"successful_last_hour"`
	FailedLastHour          int64   `json:"failed_last_hour"`
	AverageProcessingTimeMs float64 `json:"average_processing_time_ms"`
	QueueBacklog            int64   `json:"queue_backlog"`
}

type WebhookHealth struct {
	Status  string         `json:"status"`
	Checks  WebhookChecks  `json:"checks"`
	Metrics WebhookMetrics `json:"metrics"`
}
