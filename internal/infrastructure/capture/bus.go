package capture

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aibridge/aibridge/internal/domain/entity"
	"github.com/aibridge/aibridge/internal/infrastructure/eventbus"
	apperrors "github.com/aibridge/aibridge/pkg/errors"
	"github.com/aibridge/aibridge/pkg/safego"
)

const (
	defaultFlushThreshold = 100
	defaultFlushInterval  = 10 * time.Second
)

// Bus ingests externally produced events, buffers them per session and
// flushes each session to its own JSON file. Events of one session are
// written by a single goroutine, so flush order matches arrival order.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]*liveSession
	closed   bool

	storage        *Storage
	events         *eventbus.InMemoryBus
	flushThreshold int
	flushInterval  time.Duration
	logger         *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// liveSession is one active capture session. writerMu serializes flushes;
// the buffer is only touched under mu.
type liveSession struct {
	mu        sync.Mutex
	writerMu  sync.Mutex
	meta      entity.CaptureSession
	buffer    []entity.CaptureEvent
	persisted []entity.CaptureEvent
}

// NewBus creates the capture bus and starts the periodic flush loop.
// Non-positive flushSize or flushInterval fall back to the defaults.
func NewBus(storage *Storage, events *eventbus.InMemoryBus, flushSize int, flushInterval time.Duration, logger *zap.Logger) *Bus {
	if flushSize <= 0 {
		flushSize = defaultFlushThreshold
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		sessions:       make(map[string]*liveSession),
		storage:        storage,
		events:         events,
		flushThreshold: flushSize,
		flushInterval:  flushInterval,
		logger:         logger.With(zap.String("component", "capture-bus")),
		cancel:         cancel,
	}

	b.wg.Add(1)
	safego.Go(logger, "capture-flush-loop", func() {
		defer b.wg.Done()
		b.flushLoop(ctx)
	})

	return b
}

var captureTopics = map[string]string{
	"session:created": eventbus.EventCaptureSessionCreated,
	"event:received":  eventbus.EventCaptureEventReceived,
	"session:ended":   eventbus.EventCaptureSessionEnded,
	"session:flushed": eventbus.EventCaptureSessionFlushed,
}

// Register subscribes a handler to one of the capture topics:
// session:created, event:received, session:ended, session:flushed.
// Handlers of one topic run sequentially; an overrunning handler is logged
// and skipped without stalling capture.
func (b *Bus) Register(topic string, fn eventbus.Handler) error {
	full, ok := captureTopics[topic]
	if !ok {
		return apperrors.New(apperrors.KindInvalidArgument, "unknown capture topic: "+topic)
	}
	b.events.Subscribe(full, fn)
	return nil
}

// CreateSession opens a capture session. An empty id is assigned a UUID.
// Creating an id that is already active is an error.
func (b *Bus) CreateSession(id, title, platform string, metadata map[string]any) (*entity.CaptureSession, error) {
	if id == "" {
		id = uuid.New().String()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, apperrors.New(apperrors.KindInternal, "capture bus closed")
	}
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		return nil, apperrors.New(apperrors.KindInvalidArgument, "capture session already active: "+id)
	}
	ls := &liveSession{
		meta: entity.CaptureSession{
			ID:        id,
			Title:     title,
			Platform:  platform,
			StartedAt: time.Now(),
			Status:    entity.CaptureActive,
			Metadata:  metadata,
		},
	}
	b.sessions[id] = ls
	b.mu.Unlock()

	b.logger.Info("Capture session created",
		zap.String("session_id", id),
		zap.String("platform", platform),
	)
	b.events.Publish(context.Background(), eventbus.NewEvent(
		eventbus.EventCaptureSessionCreated,
		eventbus.CaptureSessionPayload{SessionID: id, Platform: platform},
	))

	meta := ls.snapshot()
	return &meta, nil
}

// AppendEvents buffers events for a session. Events without a timestamp are
// stamped with the server receive time. The session flushes once the buffer
// reaches the threshold.
func (b *Bus) AppendEvents(sessionID string, events []entity.CaptureEvent) error {
	ls, err := b.lookup(sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	ls.mu.Lock()
	if ls.meta.Status != entity.CaptureActive {
		ls.mu.Unlock()
		return apperrors.New(apperrors.KindSessionEnded, "capture session ended: "+sessionID)
	}
	for i := range events {
		events[i].SessionID = sessionID
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
		if events[i].Platform == "" {
			events[i].Platform = ls.meta.Platform
		}
	}
	ls.buffer = append(ls.buffer, events...)
	ls.meta.EventCount += len(events)
	shouldFlush := len(ls.buffer) >= b.flushThreshold
	ls.mu.Unlock()

	if shouldFlush {
		b.flushSession(ls)
	}
	return nil
}

// EndSession closes a session, forces the final flush and publishes
// session:ended. Ending twice is an error.
func (b *Bus) EndSession(sessionID string) (*entity.CaptureSession, error) {
	ls, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ls.mu.Lock()
	if ls.meta.Status != entity.CaptureActive {
		ls.mu.Unlock()
		return nil, apperrors.New(apperrors.KindSessionEnded, "capture session ended: "+sessionID)
	}
	now := time.Now()
	ls.meta.Status = entity.CaptureEnded
	ls.meta.EndedAt = &now
	ls.mu.Unlock()

	b.flushSession(ls)

	meta := ls.snapshot()
	b.logger.Info("Capture session ended",
		zap.String("session_id", sessionID),
		zap.Int("event_count", meta.EventCount),
	)
	b.events.Publish(context.Background(), eventbus.NewEvent(
		eventbus.EventCaptureSessionEnded,
		eventbus.CaptureSessionPayload{
			SessionID:  sessionID,
			Platform:   meta.Platform,
			EventCount: meta.EventCount,
		},
	))
	return &meta, nil
}

// Get returns the session metadata, if known.
func (b *Bus) Get(sessionID string) (*entity.CaptureSession, error) {
	ls, err := b.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	meta := ls.snapshot()
	return &meta, nil
}

// List returns metadata for every known session, most recent first.
func (b *Bus) List() []entity.CaptureSession {
	b.mu.RLock()
	out := make([]entity.CaptureSession, 0, len(b.sessions))
	for _, ls := range b.sessions {
		out = append(out, ls.snapshot())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Close stops the flush loop and flushes every session with buffered events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.flushAll()
}

// --- Internal ---

func (b *Bus) lookup(sessionID string) (*liveSession, error) {
	b.mu.RLock()
	ls, ok := b.sessions[sessionID]
	b.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.KindSessionUnknown, "unknown capture session: "+sessionID)
	}
	return ls, nil
}

func (b *Bus) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flushAll()
		}
	}
}

func (b *Bus) flushAll() {
	b.mu.RLock()
	sessions := make([]*liveSession, 0, len(b.sessions))
	for _, ls := range b.sessions {
		sessions = append(sessions, ls)
	}
	b.mu.RUnlock()

	for _, ls := range sessions {
		b.flushSession(ls)
	}
}

// flushSession drains the buffer and rewrites the session file. writerMu
// keeps concurrent flushes of the same session from interleaving writes.
func (b *Bus) flushSession(ls *liveSession) {
	ls.writerMu.Lock()
	defer ls.writerMu.Unlock()

	ls.mu.Lock()
	if len(ls.buffer) == 0 {
		ls.mu.Unlock()
		return
	}
	drained := ls.buffer
	ls.buffer = nil
	ls.persisted = append(ls.persisted, drained...)
	meta := ls.meta
	events := make([]entity.CaptureEvent, len(ls.persisted))
	copy(events, ls.persisted)
	ls.mu.Unlock()

	if err := b.storage.Write(meta, events); err != nil {
		// Put the drained events back so the next flush retries them.
		ls.mu.Lock()
		ls.persisted = ls.persisted[:len(ls.persisted)-len(drained)]
		ls.buffer = append(drained, ls.buffer...)
		ls.mu.Unlock()
		b.logger.Error("Capture flush failed",
			zap.String("session_id", meta.ID),
			zap.Error(err),
		)
		return
	}

	for _, ev := range drained {
		b.events.Publish(context.Background(), eventbus.NewEvent(
			eventbus.EventCaptureEventReceived,
			eventbus.CaptureEventPayload{SessionID: meta.ID, Platform: ev.Platform, Count: 1},
		))
	}
	b.events.Publish(context.Background(), eventbus.NewEvent(
		eventbus.EventCaptureSessionFlushed,
		eventbus.CaptureSessionPayload{
			SessionID:  meta.ID,
			Platform:   meta.Platform,
			EventCount: meta.EventCount,
		},
	))
	b.logger.Debug("Capture session flushed",
		zap.String("session_id", meta.ID),
		zap.Int("flushed", len(drained)),
		zap.Int("total", len(events)),
	)
}

func (ls *liveSession) snapshot() entity.CaptureSession {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.meta
}
