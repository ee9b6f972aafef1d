package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/db/models"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
)

// Handler performs a confirmed action and returns the value handed back to the caller.
type Handler func(ctx context.Context, action models.PendingAction) (any, error)

// Outcome is the result of a confirmed action.
type Outcome struct {
	Token  uuid.UUID               `json:"token"`
	Kind   enums.PendingActionKind `json:"kind"`
	Result any                     `json:"result,omitempty"`
}

// Service creates confirmation records and runs them exactly once.
type Service interface {
	Register(kind enums.PendingActionKind, handler Handler)
	Create(ctx context.Context, actorID int64, kind enums.PendingActionKind, payload any) (*models.PendingAction, error)
	Confirm(ctx context.Context, token uuid.UUID, actorID int64) (*Outcome, error)
	Purge(ctx context.Context) (int64, error)
}

// ServiceParams bundles the pending-action dependencies.
type ServiceParams struct {
	Repo   Repository
	Logger *logger.Logger
	Config config.PendingConfig
	Now    func() time.Time
}

type service struct {
	repo     Repository
	logg     *logger.Logger
	ttl      time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[enums.PendingActionKind]Handler
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("pending action repository required")
	}
	if params.Config.TTL <= 0 {
		return nil, fmt.Errorf("pending action ttl must be positive")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		repo:     params.Repo,
		logg:     logg,
		ttl:      params.Config.TTL,
		now:      now,
		handlers: map[enums.PendingActionKind]Handler{},
	}, nil
}

func (s *service) Register(kind enums.PendingActionKind, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

func (s *service) handler(kind enums.PendingActionKind) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handlers[kind]
}

func (s *service) Create(ctx context.Context, actorID int64, kind enums.PendingActionKind, payload any) (*models.PendingAction, error) {
	if actorID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "actor id must be positive")
	}
	if !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown pending action %q", kind))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode pending payload")
	}
	now := s.now().UTC()
	action := &models.PendingAction{
		Token:     uuid.New(),
		Kind:      kind,
		ActorID:   actorID,
		Payload:   raw,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.Insert(ctx, action); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create pending action")
	}
	s.logg.Info(s.logg.WithFields(s.logg.WithUserID(ctx, actorID), map[string]any{"kind": kind, "expires_at": action.ExpiresAt}), "pending action created")
	return action, nil
}

// Confirm consumes the action and runs its handler. A failing handler leaves
// the action open so it can be confirmed again before it expires.
func (s *service) Confirm(ctx context.Context, token uuid.UUID, actorID int64) (*Outcome, error) {
	action, err := s.repo.Find(ctx, token)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "pending action not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load pending action")
	}
	if action.ActorID != actorID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "pending action belongs to another user")
	}
	now := s.now().UTC()
	if action.ConsumedAt != nil {
		return nil, pkgerrors.Rule(pkgerrors.ReasonAlreadyUsed, "action was already confirmed")
	}
	if !action.ExpiresAt.After(now) {
		return nil, pkgerrors.Rule(pkgerrors.ReasonExpired, "confirmation window has passed")
	}
	handler := s.handler(action.Kind)
	if handler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("no handler for pending action %q", action.Kind))
	}

	consumed, err := s.repo.Consume(ctx, token, now)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "consume pending action")
	}
	if !consumed {
		return nil, pkgerrors.Rule(pkgerrors.ReasonAlreadyUsed, "action was already confirmed")
	}

	ctx = s.logg.WithFields(s.logg.WithUserID(ctx, actorID), map[string]any{"kind": action.Kind})
	result, err := handler(ctx, *action)
	if err != nil {
		if relErr := s.repo.Release(ctx, token); relErr != nil {
			s.logg.Error(ctx, "failed to release pending action", relErr)
		}
		return nil, err
	}
	s.logg.Info(ctx, "pending action confirmed")
	return &Outcome{Token: token, Kind: action.Kind, Result: result}, nil
}

func (s *service) Purge(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "purge pending actions")
	}
	if deleted > 0 {
		s.logg.Info(s.logg.WithField(ctx, "deleted", deleted), "expired pending actions purged")
	}
	return deleted, nil
}

// Decode unmarshals an action payload into out.
func Decode(action models.PendingAction, out any) error {
	if err := json.Unmarshal(action.Payload, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode pending payload")
	}
	return nil
}
