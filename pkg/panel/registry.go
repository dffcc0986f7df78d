package panel

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lavoca/soundpanel/pkg/panel/util"
)

// SessionRecord is the cached projection of one OS audio session. A record
// exists exactly while the OS session is tracked; "expired" removes it.
type SessionRecord struct {
	SessionID string
	PID       uint32
	Name      string
	Volume    float32
	Muted     bool
	Active    bool
}

// Registry is the process-wide session cache, keyed by session instance
// identifier. All mutations flow through the audio monitor's reconciliation
// path, except the command bus's optimistic pre-writes.
type Registry struct {
	logger *zap.SugaredLogger

	lock    sync.RWMutex
	records map[string]*SessionRecord
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:  logger.Named("registry"),
		records: make(map[string]*SessionRecord),
	}
}

// Insert adds a record if its session id isn't tracked yet. Returns false if a
// record with the same id already exists. The stored volume is clamped.
func (r *Registry) Insert(record SessionRecord) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.records[record.SessionID]; ok {
		return false
	}

	record.Volume = util.ClampScalar(record.Volume)
	r.records[record.SessionID] = &record

	return true
}

// Get returns a copy of the record for the given session id
func (r *Registry) Get(sessionID string) (SessionRecord, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	record, ok := r.records[sessionID]
	if !ok {
		return SessionRecord{}, false
	}

	return *record, true
}

// SetVolume replaces the cached volume and mute flag for the given session id.
// Returns false if the session isn't tracked.
func (r *Registry) SetVolume(sessionID string, volume float32, muted bool) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.records[sessionID]
	if !ok {
		return false
	}

	record.Volume = util.ClampScalar(volume)
	record.Muted = muted

	return true
}

// SetMute replaces the cached mute flag only
func (r *Registry) SetMute(sessionID string, muted bool) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.records[sessionID]
	if !ok {
		return false
	}

	record.Muted = muted

	return true
}

// SetActive replaces the cached active state. Inactive sessions stay tracked.
func (r *Registry) SetActive(sessionID string, active bool) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, ok := r.records[sessionID]
	if !ok {
		return false
	}

	record.Active = active

	return true
}

// Remove drops the record for the given session id. Returns false if it wasn't
// tracked.
func (r *Registry) Remove(sessionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.records[sessionID]; !ok {
		return false
	}

	delete(r.records, sessionID)

	return true
}

// Snapshot returns a shallow copy of all records. Long scans go through here
// instead of holding the registry lock.
func (r *Registry) Snapshot() []SessionRecord {
	r.lock.RLock()
	defer r.lock.RUnlock()

	records := make([]SessionRecord, 0, len(r.records))
	for _, record := range r.records {
		records = append(records, *record)
	}

	return records
}

// Count returns the number of tracked sessions
func (r *Registry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.records)
}
