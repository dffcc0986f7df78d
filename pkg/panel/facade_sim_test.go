package panel

import (
	"fmt"
	"sync"
)

// simFacade is an in-process SessionAPI that drives the same callback surface
// as the real facade, deterministically. Volume and mute writes echo a
// VolumeChanged notification the way Core Audio does.
type simFacade struct {
	lock sync.Mutex

	initErr     error
	initialized bool
	released    bool

	order    []string
	sessions map[string]*simSession

	sessionAdded func(RawSession)
}

type simSession struct {
	raw        RawSession
	callback   SessionEventsCallback
	subscribed bool
}

// simSubscription clears the session's callbacks on release so tests can
// assert that a session was unsubscribed
type simSubscription struct {
	facade    *simFacade
	sessionID string
}

func newSimFacade() *simFacade {
	return &simFacade{sessions: make(map[string]*simSession)}
}

func (f *simFacade) Initialize() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.initErr != nil {
		return f.initErr
	}

	f.initialized = true
	return nil
}

func (f *simFacade) EnumerateSessions() ([]RawSession, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	sessions := make([]RawSession, 0, len(f.order))
	for _, id := range f.order {
		sessions = append(sessions, f.sessions[id].raw)
	}

	return sessions, nil
}

func (f *simFacade) SubscribeSessionAdded(callback func(RawSession)) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.sessionAdded = callback
	return nil
}

func (f *simFacade) SubscribeSessionEvents(sessionID string, callback SessionEventsCallback) (Subscription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("subscribe session events: %w: %s", ErrSessionGone, sessionID)
	}

	session.callback = callback
	session.subscribed = true

	return &simSubscription{facade: f, sessionID: sessionID}, nil
}

func (s *simSubscription) Release() {
	s.facade.lock.Lock()
	defer s.facade.lock.Unlock()

	if session, ok := s.facade.sessions[s.sessionID]; ok {
		session.subscribed = false
		session.callback = SessionEventsCallback{}
	}
}

func (f *simFacade) SetVolume(sessionID string, v float32) (float32, error) {
	f.lock.Lock()

	session, ok := f.sessions[sessionID]
	if !ok {
		f.lock.Unlock()
		return 0, fmt.Errorf("set volume: %w: %s", ErrSessionGone, sessionID)
	}

	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}

	session.raw.Volume = v
	callback := session.callback
	muted := session.raw.Muted
	f.lock.Unlock()

	// the OS acknowledges the write by notifying every listener, us included
	if callback.OnVolumeChanged != nil {
		callback.OnVolumeChanged(v, muted)
	}

	return v, nil
}

func (f *simFacade) SetMute(sessionID string, muted bool) error {
	f.lock.Lock()

	session, ok := f.sessions[sessionID]
	if !ok {
		f.lock.Unlock()
		return fmt.Errorf("set mute: %w: %s", ErrSessionGone, sessionID)
	}

	session.raw.Muted = muted
	callback := session.callback
	volume := session.raw.Volume
	f.lock.Unlock()

	if callback.OnVolumeChanged != nil {
		callback.OnVolumeChanged(volume, muted)
	}

	return nil
}

func (f *simFacade) Release() {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.released = true
}

// seedSession registers a session without firing any notification; used to
// model sessions that exist before the monitor starts
func (f *simFacade) seedSession(raw RawSession) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.sessions[raw.ID] = &simSession{raw: raw}
	f.order = append(f.order, raw.ID)
}

// addSession registers a session and fires the session-added notification. A
// duplicate id only re-fires the notification.
func (f *simFacade) addSession(raw RawSession) {
	f.lock.Lock()
	if _, ok := f.sessions[raw.ID]; !ok {
		f.sessions[raw.ID] = &simSession{raw: raw}
		f.order = append(f.order, raw.ID)
	}
	callback := f.sessionAdded
	f.lock.Unlock()

	if callback != nil {
		callback(raw)
	}
}

func (f *simFacade) fireVolumeChanged(sessionID string, volume float32, muted bool) {
	f.lock.Lock()
	session := f.sessions[sessionID]
	session.raw.Volume = volume
	session.raw.Muted = muted
	callback := session.callback
	f.lock.Unlock()

	if callback.OnVolumeChanged != nil {
		callback.OnVolumeChanged(volume, muted)
	}
}

func (f *simFacade) fireStateChanged(sessionID string, active bool) {
	f.lock.Lock()
	session := f.sessions[sessionID]
	session.raw.Active = active
	callback := session.callback
	f.lock.Unlock()

	if callback.OnStateChanged != nil {
		callback.OnStateChanged(active)
	}
}

// fireDisconnected removes the session on the OS side and notifies
func (f *simFacade) fireDisconnected(sessionID string) {
	f.lock.Lock()
	session := f.sessions[sessionID]
	callback := session.callback
	delete(f.sessions, sessionID)
	for i, id := range f.order {
		if id == sessionID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	f.lock.Unlock()

	if callback.OnDisconnected != nil {
		callback.OnDisconnected()
	}
}

func (f *simFacade) isSubscribed(sessionID string) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	session, ok := f.sessions[sessionID]
	return ok && session.subscribed
}
