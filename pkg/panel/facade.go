package panel

import "errors"

// ErrPlatformInit means the OS audio API refused initialization on the monitor
// thread. This is the only fatal error in the audio engine.
var ErrPlatformInit = errors.New("platform audio init failed")

// ErrSessionGone means a volume/mute write targeted a session the OS no longer
// tracks. Callers recover by waiting for the session-closed notification.
var ErrSessionGone = errors.New("audio session gone")

// RawSession is the facade's snapshot of one OS audio session at enumeration or
// creation time.
type RawSession struct {
	// ID is the OS-assigned session instance identifier. Opaque, compared by
	// value equality.
	ID string

	// PID is the owning process id; 0 for the system sounds session.
	PID uint32

	// DisplayName is the session's declared display string. Often empty.
	DisplayName string

	Volume float32
	Muted  bool
	Active bool
}

// SessionEventsCallback receives per-session notifications. All callbacks may
// fire on arbitrary OS threads and must not block.
type SessionEventsCallback struct {
	OnVolumeChanged func(volume float32, muted bool)
	OnStateChanged  func(active bool)
	OnDisconnected  func()
}

// Subscription is an active per-session event registration. Releasing it
// unregisters the callbacks and drops the session's handles.
type Subscription interface {
	Release()
}

// SessionAPI is the narrow facade over the platform's session-based audio API.
// No other component touches the OS directly.
//
// Initialize, EnumerateSessions, SubscribeSessionAdded, SubscribeSessionEvents
// and Release must all be called from the same goroutine, which the audio
// monitor dedicates and OS-locks for the process lifetime. SetVolume and
// SetMute write through interfaces held since subscription and are safe to
// call from any goroutine.
type SessionAPI interface {
	// Initialize prepares the facade for the calling thread's lifetime. Called
	// exactly once before any other operation. Wraps ErrPlatformInit on refusal.
	Initialize() error

	// EnumerateSessions returns a snapshot of the current sessions on the
	// default render endpoint. Order is unspecified.
	EnumerateSessions() ([]RawSession, error)

	// SubscribeSessionAdded registers a callback invoked once per newly
	// appearing session. The callback must be non-blocking.
	SubscribeSessionAdded(callback func(RawSession)) error

	// SubscribeSessionEvents registers per-session callbacks for the given
	// session id.
	SubscribeSessionEvents(sessionID string, callback SessionEventsCallback) (Subscription, error)

	// SetVolume clamps v to [0, 1], writes it and returns the value the OS
	// acknowledged. Wraps ErrSessionGone if the session is no longer tracked.
	SetVolume(sessionID string, v float32) (float32, error)

	// SetMute writes the session's mute flag. Wraps ErrSessionGone if the
	// session is no longer tracked.
	SetMute(sessionID string, muted bool) error

	// Release drops every remaining subscription and the facade's own OS
	// handles. The facade is unusable afterwards.
	Release()
}
