package persistence

import (
	"sync"
	"time"

	"github.com/aibridge/aibridge/internal/domain/entity"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProviderChecker reports whether a provider id is registered. Injected by
// the application layer so the store stays decoupled from the adapter stack.
type ProviderChecker func(id string) bool

// SessionStore keeps session logs in memory. Reads return snapshots; every
// mutation runs under that session's own lock so concurrent appends to the
// same log serialize while different sessions proceed in parallel.
type SessionStore struct {
	mu            sync.RWMutex
	sessions      map[string]*sessionEntry
	devices       *DeviceRegistry
	validProvider ProviderChecker
	logger        *zap.Logger
}

type sessionEntry struct {
	mu sync.Mutex
	s  *entity.Session
}

// NewSessionStore creates an empty session store.
func NewSessionStore(devices *DeviceRegistry, validProvider ProviderChecker, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions:      make(map[string]*sessionEntry),
		devices:       devices,
		validProvider: validProvider,
		logger:        logger.With(zap.String("component", "session-store")),
	}
}

// Create validates the configuration and opens a new session. When a system
// prompt is configured it becomes the first log entry.
func (st *SessionStore) Create(deviceID string, cfg entity.SessionConfig) (*entity.Session, error) {
	if cfg.Provider == "" || !st.validProvider(cfg.Provider) {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "unknown provider: "+cfg.Provider)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "temperature must be within [0, 2]")
	}
	if cfg.MaxTokens < 0 {
		return nil, apperrors.New(apperrors.KindInvalidArgument, "maxTokens must not be negative")
	}
	if _, err := st.devices.Get(deviceID); err != nil {
		return nil, err
	}

	now := time.Now()
	s := &entity.Session{
		ID:             "ses_" + uuid.NewString(),
		DeviceID:       deviceID,
		Config:         cfg,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         entity.SessionActive,
	}
	if cfg.SystemPrompt != "" {
		s.Messages = append(s.Messages, entity.Message{
			Role:      entity.RoleSystem,
			Content:   cfg.SystemPrompt,
			CreatedAt: now,
		})
	}

	st.mu.Lock()
	st.sessions[s.ID] = &sessionEntry{s: s}
	st.mu.Unlock()

	st.devices.Touch(deviceID)
	st.logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("device_id", deviceID),
		zap.String("provider", cfg.Provider),
	)
	return s.Snapshot(), nil
}

// Get returns a point-in-time snapshot of the session.
func (st *SessionStore) Get(id string) (*entity.Session, error) {
	entry, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Snapshot(), nil
}

// Append adds messages to the log and returns the updated snapshot. Appending
// to an ended session fails.
func (st *SessionStore) Append(id string, msgs ...entity.Message) (*entity.Session, error) {
	return st.mutate(id, func(s *entity.Session) error {
		now := time.Now()
		for i := range msgs {
			if msgs[i].CreatedAt.IsZero() {
				msgs[i].CreatedAt = now
			}
		}
		s.Messages = append(s.Messages, msgs...)
		s.LastActivityAt = now
		return nil
	})
}

// AddUsage accumulates token and cost accounting onto the session.
func (st *SessionStore) AddUsage(id string, usage entity.Usage) (*entity.Session, error) {
	return st.mutate(id, func(s *entity.Session) error {
		s.Usage.Add(usage)
		s.LastActivityAt = time.Now()
		return nil
	})
}

// RollbackTo truncates the log to length n, discarding later entries. Used to
// undo a turn's user message when the provider call never produced a response.
func (st *SessionStore) RollbackTo(id string, n int) (*entity.Session, error) {
	return st.mutate(id, func(s *entity.Session) error {
		if n < 0 || n > len(s.Messages) {
			return apperrors.New(apperrors.KindInternal, "rollback index out of range")
		}
		// Reallocate so later appends cannot write through the backing array
		// into snapshots handed out before the rollback.
		s.Messages = append([]entity.Message(nil), s.Messages[:n]...)
		s.LastActivityAt = time.Now()
		return nil
	})
}

// ReplacePrefix condenses the log: everything except the last keepLast
// messages is replaced by the summary message. Token accounting is untouched.
func (st *SessionStore) ReplacePrefix(id string, keepLast int, summary entity.Message) (*entity.Session, error) {
	return st.mutate(id, func(s *entity.Session) error {
		if keepLast < 0 || keepLast >= len(s.Messages) {
			return nil
		}
		if summary.CreatedAt.IsZero() {
			summary.CreatedAt = time.Now()
		}
		tail := s.Messages[len(s.Messages)-keepLast:]
		log := make([]entity.Message, 0, keepLast+1)
		log = append(log, summary)
		log = append(log, tail...)
		s.Messages = log
		s.LastActivityAt = time.Now()
		return nil
	})
}

// End marks the session ended. Idempotent: ending an ended session is a no-op.
func (st *SessionStore) End(id string) (*entity.Session, error) {
	entry, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.s.Status != entity.SessionEnded {
		entry.s.Status = entity.SessionEnded
		entry.s.LastActivityAt = time.Now()
		st.logger.Info("Session ended", zap.String("session_id", id))
	}
	return entry.s.Snapshot(), nil
}

// Delete removes the session entirely.
func (st *SessionStore) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return apperrors.New(apperrors.KindSessionUnknown, "unknown session: "+id)
	}
	delete(st.sessions, id)
	return nil
}

// ListByDevice returns snapshots of all sessions owned by a device.
func (st *SessionStore) ListByDevice(deviceID string) []*entity.Session {
	st.mu.RLock()
	entries := make([]*sessionEntry, 0)
	for _, e := range st.sessions {
		entries = append(entries, e)
	}
	st.mu.RUnlock()

	out := make([]*entity.Session, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.s.DeviceID == deviceID {
			out = append(out, e.s.Snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// Count returns the number of live sessions.
func (st *SessionStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// SweepExpired removes sessions idle for longer than ttl and returns how many
// were dropped.
func (st *SessionStore) SweepExpired(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, e := range st.sessions {
		if e.s.LastActivityAt.Before(cutoff) {
			delete(st.sessions, id)
			n++
		}
	}
	if n > 0 {
		st.logger.Info("Swept expired sessions", zap.Int("count", n))
	}
	return n
}

// --- Internal ---

func (st *SessionStore) entry(id string) (*sessionEntry, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.sessions[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindSessionUnknown, "unknown session: "+id)
	}
	return e, nil
}

// mutate runs fn on the live session under its lock and returns a snapshot.
// Ended sessions reject all mutation.
func (st *SessionStore) mutate(id string, fn func(*entity.Session) error) (*entity.Session, error) {
	entry, err := st.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.s.Status == entity.SessionEnded {
		return nil, apperrors.New(apperrors.KindSessionEnded, "session has ended: "+id)
	}
	if err := fn(entry.s); err != nil {
		return nil, err
	}
	return entry.s.Snapshot(), nil
}
