package panel

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lavoca/soundpanel/pkg/panel/util"
)

type noticeKind int

const (
	noticeSessionAdded noticeKind = iota
	noticeVolumeChanged
	noticeStateChanged
	noticeDisconnected
)

// notice is one OS callback, reified so that callbacks can return immediately
// and the worker drains them in arrival order
type notice struct {
	kind      noticeKind
	raw       RawSession
	sessionID string
	volume    float32
	muted     bool
	active    bool
}

const noticeQueueSize = 512

// Monitor owns the facade for the process lifetime. It runs a dedicated
// OS-locked worker because the platform audio API is thread-affine; OS
// callbacks enqueue notices which the worker translates into registry
// mutations and events. It is the only writer on the reconciliation path.
type Monitor struct {
	logger *zap.SugaredLogger

	api      SessionAPI
	registry *Registry
	events   *EventBus

	// overridable for tests; defaults to a live process table lookup
	resolveProcessName func(pid uint32) (string, error)

	noticeChannel  chan notice
	droppedNotices atomic.Uint64

	stopChannel chan struct{}
	wg          sync.WaitGroup

	// worker-owned; never touched from other goroutines
	subscriptions map[string]Subscription
}

func NewMonitor(logger *zap.SugaredLogger, api SessionAPI, registry *Registry, events *EventBus) *Monitor {
	return &Monitor{
		logger:             logger.Named("monitor"),
		api:                api,
		registry:           registry,
		events:             events,
		resolveProcessName: util.ProcessExecutableName,
		noticeChannel:      make(chan notice, noticeQueueSize),
		stopChannel:        make(chan struct{}),
		subscriptions:      make(map[string]Subscription),
	}
}

// Start launches the worker and blocks until the facade finished initializing
// and the initial enumeration is registered. A platform init refusal is
// returned here and is fatal.
func (m *Monitor) Start() error {
	initResult := make(chan error, 1)

	m.wg.Add(1)
	go m.worker(initResult)

	return <-initResult
}

// Stop signals the worker and waits for it to unsubscribe and release the
// facade
func (m *Monitor) Stop() {
	close(m.stopChannel)
	m.wg.Wait()

	m.logger.Info("Monitor stopped")
}

func (m *Monitor) worker(initResult chan<- error) {
	defer m.wg.Done()

	// all COM operations must happen on the same initialized thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := m.api.Initialize(); err != nil {
		m.logger.Errorw("Failed to initialize audio facade", "error", err)
		initResult <- err
		return
	}

	sessions, err := m.api.EnumerateSessions()
	if err != nil {
		m.logger.Errorw("Failed to enumerate audio sessions", "error", err)
		m.api.Release()
		initResult <- fmt.Errorf("enumerate sessions: %w", err)
		return
	}

	for _, raw := range sessions {
		m.registerSession(raw)
	}

	if err := m.api.SubscribeSessionAdded(func(raw RawSession) {
		m.enqueue(notice{kind: noticeSessionAdded, raw: raw})
	}); err != nil {
		m.logger.Errorw("Failed to subscribe to session notifications", "error", err)
		m.releaseAll()
		initResult <- fmt.Errorf("subscribe session added: %w", err)
		return
	}

	m.logger.Infow("Monitor started", "sessions", m.registry.Count())
	initResult <- nil

	for {
		select {
		case <-m.stopChannel:
			m.logger.Debug("Monitor worker stopping")
			m.releaseAll()
			return

		case n := <-m.noticeChannel:
			m.handleNotice(n)
		}
	}
}

// enqueue hands a notice from an OS callback thread to the worker. Never
// blocks; on overflow the notice is logged and dropped, per-session event
// order for everything already queued stays intact.
func (m *Monitor) enqueue(n notice) {
	select {
	case m.noticeChannel <- n:
	default:
		dropped := m.droppedNotices.Add(1)
		m.logger.Warnw("Notice queue full, dropping OS notification",
			"kind", n.kind,
			"sessionID", n.sessionID,
			"totalDropped", dropped)
	}
}

func (m *Monitor) handleNotice(n notice) {
	switch n.kind {
	case noticeSessionAdded:
		m.registerSession(n.raw)
	case noticeVolumeChanged:
		m.handleVolumeChanged(n.sessionID, n.volume, n.muted)
	case noticeStateChanged:
		m.handleStateChanged(n.sessionID, n.active)
	case noticeDisconnected:
		m.handleDisconnected(n.sessionID)
	}
}

// registerSession materializes a record for a raw session, subscribes its
// events and announces it. Emits nothing if registration fails midway; the
// partially-inserted record is rolled back.
func (m *Monitor) registerSession(raw RawSession) {
	record := SessionRecord{
		SessionID: raw.ID,
		PID:       raw.PID,
		Name:      m.resolveDisplayName(raw),
		Volume:    util.ClampScalar(raw.Volume),
		Muted:     raw.Muted,
		Active:    raw.Active,
	}

	if !m.registry.Insert(record) {
		m.logger.Debugw("Session already tracked, ignoring duplicate", "sessionID", raw.ID)
		return
	}

	subscription, err := m.api.SubscribeSessionEvents(raw.ID, SessionEventsCallback{
		OnVolumeChanged: func(volume float32, muted bool) {
			m.enqueue(notice{kind: noticeVolumeChanged, sessionID: raw.ID, volume: volume, muted: muted})
		},
		OnStateChanged: func(active bool) {
			m.enqueue(notice{kind: noticeStateChanged, sessionID: raw.ID, active: active})
		},
		OnDisconnected: func() {
			m.enqueue(notice{kind: noticeDisconnected, sessionID: raw.ID})
		},
	})

	if err != nil {
		m.logger.Warnw("Failed to subscribe session events, dropping session",
			"error", err,
			"sessionID", raw.ID)

		m.registry.Remove(raw.ID)
		return
	}

	m.subscriptions[raw.ID] = subscription

	m.logger.Debugw("Tracking new audio session",
		"sessionID", raw.ID,
		"pid", record.PID,
		"name", record.Name)

	m.events.Publish(SessionCreatedEvent{Session: snapshotOf(record)})
}

// resolveDisplayName picks a best-effort human label: the session's declared
// display string, else the owning executable's base name, else the pid
func (m *Monitor) resolveDisplayName(raw RawSession) string {
	if raw.DisplayName != "" {
		return raw.DisplayName
	}

	if name, err := m.resolveProcessName(raw.PID); err == nil && name != "" {
		return name
	}

	return fmt.Sprintf("PID %d", raw.PID)
}

func (m *Monitor) handleVolumeChanged(sessionID string, volume float32, muted bool) {
	volume = util.ClampScalar(volume)

	if !m.registry.SetVolume(sessionID, volume, muted) {
		m.logger.Debugw("Volume change for untracked session, ignoring", "sessionID", sessionID)
		return
	}

	m.events.Publish(SessionVolumeChangedEvent{
		UID:       sessionID,
		NewVolume: volume,
		IsMuted:   muted,
	})
}

func (m *Monitor) handleStateChanged(sessionID string, active bool) {
	if !m.registry.SetActive(sessionID, active) {
		m.logger.Debugw("State change for untracked session, ignoring", "sessionID", sessionID)
		return
	}

	m.events.Publish(SessionStateChangedEvent{
		UID:      sessionID,
		IsActive: active,
	})
}

func (m *Monitor) handleDisconnected(sessionID string) {
	if subscription, ok := m.subscriptions[sessionID]; ok {
		subscription.Release()
		delete(m.subscriptions, sessionID)
	}

	if !m.registry.Remove(sessionID) {
		return
	}

	m.logger.Debugw("Audio session closed", "sessionID", sessionID)

	m.events.Publish(SessionClosedEvent{UID: sessionID})
}

// releaseAll tears down in reverse acquisition order: per-session
// subscriptions first, then the facade (which drops the session-added
// registration and its own handles)
func (m *Monitor) releaseAll() {
	for sessionID, subscription := range m.subscriptions {
		subscription.Release()
		delete(m.subscriptions, sessionID)
	}

	m.api.Release()
}
