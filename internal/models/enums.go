package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEnum is returned when a boundary value is outside a closed enum.
var ErrInvalidEnum = errors.New("invalid enum value")

type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusRetry      EventStatus = "retry"
	StatusDeadLetter EventStatus = "dead_letter"
)

var AllStatuses = []EventStatus{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetry, StatusDeadLetter,
}

type EntityType string

const (
	EntityProduct         EntityType = "product"
	EntityCustomer        EntityType = "customer"
	EntityInvoice         EntityType = "invoice"
	EntityBill            EntityType = "bill"
	EntityCreditNote      EntityType = "credit_note"
	EntityStockAdjustment EntityType = "stock_adjustment"
	EntityPriceList       EntityType = "price_list"
	EntityBranch          EntityType = "branch"
	EntityUser            EntityType = "user"
	EntityOrder           EntityType = "order"
)

var AllEntityTypes = []EntityType{
	EntityProduct, EntityCustomer, EntityInvoice, EntityBill, EntityCreditNote,
	EntityStockAdjustment, EntityPriceList, EntityBranch, EntityUser, EntityOrder,
}

type SourceType string

const (
	SourceExternalSystem SourceType = "external_system"
	SourceManual         SourceType = "manual"
	SourceScheduled      SourceType = "scheduled"
	SourceReconciliation SourceType = "reconciliation"
)

var AllSourceTypes = []SourceType{
	SourceExternalSystem, SourceManual, SourceScheduled, SourceReconciliation,
}

// Priority is derived from the source type and only affects claim order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

var AllPriorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func PriorityFor(src SourceType) Priority {
	switch src {
	case SourceManual:
		return PriorityHigh
	case SourceExternalSystem:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

func ParseEventStatus(s string) (EventStatus, error) {
	return parseEnum(s, "status", AllStatuses)
}

func ParseEntityType(s string) (EntityType, error) {
	return parseEnum(s, "entity_type", AllEntityTypes)
}

func ParseSourceType(s string) (SourceType, error) {
	return parseEnum(s, "source_type", AllSourceTypes)
}

func parseEnum[T ~string](raw string, field string, allowed []T) (T, error) {
	for _, v := range allowed {
		if string(v) == raw {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: %s %q", ErrInvalidEnum, field, strings.TrimSpace(raw))
}

// Terminal reports whether no further transition may leave s.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

var transitions = map[EventStatus][]EventStatus{
	StatusPending:    {StatusProcessing},
	StatusRetry:      {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusRetry, StatusDeadLetter},
}

// CanTransition validates one edge of the event state machine.
func CanTransition(from, to EventStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
