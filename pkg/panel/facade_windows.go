package panel

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"

	"github.com/lavoca/soundpanel/pkg/win"
)

// wcaFacade is the Core Audio implementation of SessionAPI. Everything except
// SetVolume/SetMute runs on the monitor's OS-locked goroutine; the setters go
// through ISimpleAudioVolume interfaces held since registration, which Core
// Audio allows from any thread.
type wcaFacade struct {
	logger *zap.SugaredLogger

	eventCtx *ole.GUID // needed for volume writes to successfully notify other audio consumers

	mmDeviceEnumerator *wca.IMMDeviceEnumerator
	sessionManager     *wca.IAudioSessionManager2

	sessionNotification *win.SessionNotification
	sessionAdded        func(RawSession)

	lock    sync.Mutex
	handles map[string]*wcaSessionHandle
}

// wcaSessionHandle bundles the COM interfaces held for one tracked session
type wcaSessionHandle struct {
	control *wca.IAudioSessionControl2
	volume  *wca.ISimpleAudioVolume
}

// wcaSubscription is an active IAudioSessionEvents registration for one session
type wcaSubscription struct {
	facade    *wcaFacade
	sessionID string
	events    *win.SessionEvents
}

const (

	// there's no real mystery here, it's just a random GUID
	myteriousGUID = "{84c1a1cc-53d0-46f2-a5e0-36da0ba39dcb}"

	// GetProcessId fails with this undocumented AUDCLNT_S_NO_CURRENT_PROCESS
	// value (decimal) for the system sounds session and for UWP apps
	noCurrentProcessCode = "143196173"
)

func newSessionAPI(logger *zap.SugaredLogger) SessionAPI {
	return &wcaFacade{
		logger:   logger.Named("wca"),
		eventCtx: ole.NewGUID(myteriousGUID),
		handles:  make(map[string]*wcaSessionHandle),
	}
}

// Activate crashes with E_INVALIDARG when running in a VM over RDP; the
// problem is an incorrectly passed ctx argument in the go-wca library, so the
// call goes through a raw syscall instead
func mmdActivateWorkaround(mmd *wca.IMMDevice, refIID *ole.GUID, ctx uint32, prop, obj interface{}) (err error) {
	objValue := reflect.ValueOf(obj).Elem()
	hr, _, _ := syscall.SyscallN(
		mmd.VTable().Activate,
		uintptr(unsafe.Pointer(mmd)),
		uintptr(unsafe.Pointer(refIID)),
		uintptr(ctx),
		0,
		objValue.Addr().Pointer())
	if hr != 0 {
		err = ole.NewError(hr)
	}
	return
}

func (f *wcaFacade) Initialize() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {

		// 0x00000001 is E_FALSE, which just means the call was redundant
		const eFalse = 1
		oleError := &ole.OleError{}

		if !errors.As(err, &oleError) || oleError.Code() != eFalse {
			f.logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return fmt.Errorf("%w: call CoInitializeEx: %v", ErrPlatformInit, err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&f.mmDeviceEnumerator,
	); err != nil {
		f.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return fmt.Errorf("%w: call CoCreateInstance: %v", ErrPlatformInit, err)
	}

	// get the default render endpoint and its session manager - the session
	// manager stays alive for the facade lifetime so that session notifications
	// keep firing
	var mmOutDevice *wca.IMMDevice

	if err := f.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EConsole, &mmOutDevice); err != nil {
		f.logger.Warnw("Failed to call GetDefaultAudioEndpoint", "error", err)
		return fmt.Errorf("%w: call GetDefaultAudioEndpoint: %v", ErrPlatformInit, err)
	}
	defer mmOutDevice.Release()

	if err := mmdActivateWorkaround(
		mmOutDevice,
		wca.IID_IAudioSessionManager2,
		wca.CLSCTX_ALL,
		nil,
		&f.sessionManager,
	); err != nil {
		f.logger.Warnw("Failed to activate endpoint as IAudioSessionManager2", "error", err)
		return fmt.Errorf("%w: activate endpoint: %v", ErrPlatformInit, err)
	}

	f.logger.Debug("Initialized WCA facade")

	return nil
}

func (f *wcaFacade) EnumerateSessions() ([]RawSession, error) {
	var sessionEnumerator *wca.IAudioSessionEnumerator

	if err := f.sessionManager.GetSessionEnumerator(&sessionEnumerator); err != nil {
		f.logger.Warnw("Failed to get session enumerator", "error", err)
		return nil, fmt.Errorf("get session enumerator: %w", err)
	}
	defer sessionEnumerator.Release()

	var sessionCount int

	if err := sessionEnumerator.GetCount(&sessionCount); err != nil {
		f.logger.Warnw("Failed to get session count from session enumerator", "error", err)
		return nil, fmt.Errorf("get session count: %w", err)
	}

	f.logger.Debugw("Got session count from session enumerator", "count", sessionCount)

	sessions := []RawSession{}

	for sessionIdx := 0; sessionIdx < sessionCount; sessionIdx++ {

		var audioSessionControl *wca.IAudioSessionControl
		if err := sessionEnumerator.GetSession(sessionIdx, &audioSessionControl); err != nil {
			f.logger.Warnw("Failed to get session from session enumerator",
				"error", err,
				"sessionIdx", sessionIdx)

			return nil, fmt.Errorf("get session %d from enumerator: %w", sessionIdx, err)
		}

		raw, err := f.trackSession(audioSessionControl)
		if err != nil {
			f.logger.Warnw("Failed to track enumerated session, skipping",
				"error", err,
				"sessionIdx", sessionIdx)
			continue
		}

		sessions = append(sessions, raw)
	}

	return sessions, nil
}

// trackSession takes ownership of the given IAudioSessionControl, queries the
// interfaces we hold per session and caches them under the session's instance
// identifier. Safe to call for a session that's already tracked - the fresh
// handles replace nothing and are released.
func (f *wcaFacade) trackSession(audioSessionControl *wca.IAudioSessionControl) (RawSession, error) {

	// query its IAudioSessionControl2
	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)

	// we no longer need the IAudioSessionControl itself
	audioSessionControl.Release()

	if err != nil {
		return RawSession{}, fmt.Errorf("query session IAudioSessionControl2: %w", err)
	}

	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))

	var pid uint32

	if err := audioSessionControl2.GetProcessId(&pid); err != nil {

		// the system sounds session and UWP apps both error here with
		// AUDCLNT_S_NO_CURRENT_PROCESS; for UWP the pid is still filled in
		isSystemSoundsErr := audioSessionControl2.IsSystemSoundsSession()
		if isSystemSoundsErr != nil && !strings.Contains(err.Error(), noCurrentProcessCode) {
			audioSessionControl2.Release()
			return RawSession{}, fmt.Errorf("query session pid: %w", err)
		}
	}

	var sessionID string

	if err := audioSessionControl2.GetSessionInstanceIdentifier(&sessionID); err != nil {
		audioSessionControl2.Release()
		return RawSession{}, fmt.Errorf("query session instance identifier: %w", err)
	}

	var displayName string

	// a missing display name is normal, most sessions never set one
	if err := audioSessionControl2.GetDisplayName(&displayName); err != nil {
		displayName = ""
	}

	var state uint32

	if err := audioSessionControl2.GetState(&state); err != nil {
		audioSessionControl2.Release()
		return RawSession{}, fmt.Errorf("query session state: %w", err)
	}

	dispatch, err = audioSessionControl2.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		audioSessionControl2.Release()
		return RawSession{}, fmt.Errorf("query session ISimpleAudioVolume: %w", err)
	}

	simpleAudioVolume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(dispatch))

	var volume float32

	if err := simpleAudioVolume.GetMasterVolume(&volume); err != nil {
		audioSessionControl2.Release()
		simpleAudioVolume.Release()
		return RawSession{}, fmt.Errorf("query session volume: %w", err)
	}

	var muted bool

	if err := simpleAudioVolume.GetMute(&muted); err != nil {
		audioSessionControl2.Release()
		simpleAudioVolume.Release()
		return RawSession{}, fmt.Errorf("query session mute: %w", err)
	}

	f.lock.Lock()
	if _, ok := f.handles[sessionID]; ok {

		// already tracked (enumeration raced a session-added notification)
		f.lock.Unlock()
		audioSessionControl2.Release()
		simpleAudioVolume.Release()
	} else {
		f.handles[sessionID] = &wcaSessionHandle{
			control: audioSessionControl2,
			volume:  simpleAudioVolume,
		}
		f.lock.Unlock()
	}

	return RawSession{
		ID:          sessionID,
		PID:         pid,
		DisplayName: displayName,
		Volume:      volume,
		Muted:       muted,
		Active:      state == wca.AudioSessionStateActive,
	}, nil
}

func (f *wcaFacade) SubscribeSessionAdded(callback func(RawSession)) error {
	f.sessionAdded = callback

	f.sessionNotification = win.NewSessionNotification(win.SessionNotificationHandler{
		OnSessionCreated: f.sessionCreatedCallback,
	})

	if err := f.sessionManager.RegisterSessionNotification(f.sessionNotification.ToWCA()); err != nil {
		f.logger.Warnw("Failed to call RegisterSessionNotification", "error", err)
		return fmt.Errorf("call RegisterSessionNotification: %w", err)
	}

	return nil
}

// sessionCreatedCallback fires on a COM worker thread whenever a process opens
// a new audio session
func (f *wcaFacade) sessionCreatedCallback(newSession *wca.IAudioSessionControl) error {

	// keep the control alive beyond this callback - trackSession releases it
	newSession.AddRef()

	raw, err := f.trackSession(newSession)
	if err != nil {
		f.logger.Warnw("Failed to track newly created session", "error", err)
		return nil
	}

	if f.sessionAdded != nil {
		f.sessionAdded(raw)
	}

	return nil
}

func (f *wcaFacade) SubscribeSessionEvents(sessionID string, callback SessionEventsCallback) (Subscription, error) {
	f.lock.Lock()
	handle, ok := f.handles[sessionID]
	f.lock.Unlock()

	if !ok {
		return nil, fmt.Errorf("subscribe session events: %w: %s", ErrSessionGone, sessionID)
	}

	events := win.NewSessionEvents(win.SessionEventsHandler{
		OnVolumeChanged: func(newVolume float32, newMute bool, _ *ole.GUID) error {
			if callback.OnVolumeChanged != nil {
				callback.OnVolumeChanged(newVolume, newMute)
			}
			return nil
		},
		OnStateChanged: func(newState uint32) error {

			// an expired state means the session is gone for good, fold it
			// into the single removal path
			if newState == wca.AudioSessionStateExpired {
				if callback.OnDisconnected != nil {
					callback.OnDisconnected()
				}
				return nil
			}

			if callback.OnStateChanged != nil {
				callback.OnStateChanged(newState == wca.AudioSessionStateActive)
			}
			return nil
		},
		OnDisconnected: func(disconnectReason uint32) error {
			if callback.OnDisconnected != nil {
				callback.OnDisconnected()
			}
			return nil
		},
	})

	if err := handle.control.RegisterAudioSessionNotification(events.ToWCA()); err != nil {
		f.logger.Warnw("Failed to call RegisterAudioSessionNotification",
			"error", err,
			"sessionID", sessionID)

		return nil, fmt.Errorf("call RegisterAudioSessionNotification: %w", err)
	}

	return &wcaSubscription{facade: f, sessionID: sessionID, events: events}, nil
}

// Release unregisters the session's event callbacks and drops its cached COM
// interfaces
func (s *wcaSubscription) Release() {
	s.facade.lock.Lock()
	handle, ok := s.facade.handles[s.sessionID]
	if ok {
		delete(s.facade.handles, s.sessionID)
	}
	s.facade.lock.Unlock()

	if !ok {
		return
	}

	if err := handle.control.UnregisterAudioSessionNotification(s.events.ToWCA()); err != nil {
		s.facade.logger.Debugw("Failed to unregister session notification",
			"error", err,
			"sessionID", s.sessionID)
	}

	handle.volume.Release()
	handle.control.Release()
}

func (f *wcaFacade) SetVolume(sessionID string, v float32) (float32, error) {
	f.lock.Lock()
	handle, ok := f.handles[sessionID]
	f.lock.Unlock()

	if !ok {
		return 0, fmt.Errorf("set volume: %w: %s", ErrSessionGone, sessionID)
	}

	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}

	if err := handle.volume.SetMasterVolume(v, f.eventCtx); err != nil {
		f.logger.Warnw("Failed to set session volume", "error", err, "sessionID", sessionID)
		return 0, fmt.Errorf("set volume: %w: %v", ErrSessionGone, err)
	}

	// report the value the OS actually stored
	var acked float32

	if err := handle.volume.GetMasterVolume(&acked); err != nil {
		acked = v
	}

	f.logger.Debugw("Adjusted session volume", "sessionID", sessionID, "to", fmt.Sprintf("%.2f", acked))

	return acked, nil
}

func (f *wcaFacade) SetMute(sessionID string, muted bool) error {
	f.lock.Lock()
	handle, ok := f.handles[sessionID]
	f.lock.Unlock()

	if !ok {
		return fmt.Errorf("set mute: %w: %s", ErrSessionGone, sessionID)
	}

	if err := handle.volume.SetMute(muted, f.eventCtx); err != nil {
		f.logger.Warnw("Failed to set session mute", "error", err, "sessionID", sessionID)
		return fmt.Errorf("set mute: %w: %v", ErrSessionGone, err)
	}

	f.logger.Debugw("Adjusted session mute", "sessionID", sessionID, "muted", muted)

	return nil
}

func (f *wcaFacade) Release() {

	// remaining per-session handles first, then the session-added
	// registration, then the facade's own objects
	f.lock.Lock()
	handles := f.handles
	f.handles = make(map[string]*wcaSessionHandle)
	f.lock.Unlock()

	for _, handle := range handles {
		handle.volume.Release()
		handle.control.Release()
	}

	if f.sessionNotification != nil && f.sessionManager != nil {
		if err := f.sessionManager.UnregisterSessionNotification(f.sessionNotification.ToWCA()); err != nil {
			f.logger.Debugw("Failed to unregister session notification client", "error", err)
		}
	}

	if f.sessionManager != nil {
		f.sessionManager.Release()
	}

	if f.mmDeviceEnumerator != nil {
		f.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()

	f.logger.Debug("Released WCA facade")
}
