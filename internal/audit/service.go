package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event types recorded against admin API actions.
const (
	TypeForceEnd = "call_force_end"
	TypeBlock    = "caller_block"
	TypeUnblock  = "caller_unblock"
)

// Event is one admin action. Records are append-only; there are no
// update or delete operations on the repository contract.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Actor     string    `json:"actor"`
	IPAddress string    `json:"ip_address,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	CallerID  string    `json:"caller_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Repository interface {
	Append(ctx context.Context, e Event) error
}

var ErrInvalidEvent = errors.New("audit: invalid event")

// Service records who did what through the admin API.
//
// Audit is internal-only and best-effort: a write failure must never
// fail the admin action it describes. Callers log and move on.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.Actor == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// ForceEnd records an operator tearing down a live call.
func (s *Service) ForceEnd(ctx context.Context, actor, ip, callID string) error {
	return s.Append(ctx, Event{
		Type:      TypeForceEnd,
		Actor:     actor,
		IPAddress: ip,
		CallID:    callID,
		Message:   "call ended by operator",
	})
}

// Block records a caller being added to the blocklist.
func (s *Service) Block(ctx context.Context, actor, ip, callerID, reason string) error {
	return s.Append(ctx, Event{
		Type:      TypeBlock,
		Actor:     actor,
		IPAddress: ip,
		CallerID:  callerID,
		Message:   reason,
	})
}

// Unblock records a caller being removed from the blocklist.
func (s *Service) Unblock(ctx context.Context, actor, ip, callerID string) error {
	return s.Append(ctx, Event{
		Type:      TypeUnblock,
		Actor:     actor,
		IPAddress: ip,
		CallerID:  callerID,
		Message:   "block lifted by operator",
	})
}
