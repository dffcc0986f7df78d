package win

import (
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca/pkg/wca"
)

// Audio session disconnect reasons from MSDN
const (
	DisconnectReasonDeviceRemoval         = 0
	DisconnectReasonServerShutdown        = 1
	DisconnectReasonFormatChanged         = 2
	DisconnectReasonSessionLogoff         = 3
	DisconnectReasonSessionDisconnected   = 4
	DisconnectReasonExclusiveModeOverride = 5
)

// SessionEventsHandler receives the audio session events we care about.
// The callbacks fire on COM worker threads and must not block.
type SessionEventsHandler struct {
	OnVolumeChanged      func(newVolume float32, newMute bool, eventContext *ole.GUID) error
	OnStateChanged       func(newState uint32) error
	OnDisconnected       func(disconnectReason uint32) error
	OnDisplayNameChanged func(newDisplayName string, eventContext *ole.GUID) error
}

// SessionEvents is a COM implementation of IAudioSessionEvents backed by a
// SessionEventsHandler. Icon, channel volume and grouping notifications are
// answered with S_OK and otherwise ignored.
type SessionEvents struct {
	vTable   *sessionEventsVtbl
	refCount int
	handler  SessionEventsHandler
}

type sessionEventsVtbl struct {
	ole.IUnknownVtbl
	OnDisplayNameChanged   uintptr
	OnIconPathChanged      uintptr
	OnSimpleVolumeChanged  uintptr
	OnChannelVolumeChanged uintptr
	OnGroupingParamChanged uintptr
	OnStateChanged         uintptr
	OnSessionDisconnected  uintptr
}

func seQueryInterface(this uintptr, riid *ole.GUID, ppInterface *uintptr) int64 {
	*ppInterface = 0

	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, wca.IID_IAudioSessionEvents) {
		seAddRef(this)
		*ppInterface = this
		return ole.S_OK
	}

	return ole.E_NOINTERFACE
}

func seAddRef(this uintptr) int64 {
	se := (*SessionEvents)(unsafe.Pointer(this))
	se.refCount++
	return int64(se.refCount)
}

func seRelease(this uintptr) int64 {
	se := (*SessionEvents)(unsafe.Pointer(this))
	se.refCount--
	return int64(se.refCount)
}

func seOnDisplayNameChanged(this uintptr, newDisplayName uintptr, eventContext uintptr) int64 {
	se := (*SessionEvents)(unsafe.Pointer(this))

	if se.handler.OnDisplayNameChanged == nil {
		return ole.S_OK
	}

	name := wca.LPCWSTRToString(newDisplayName, 1024)
	ctx := (*ole.GUID)(unsafe.Pointer(eventContext))

	if err := se.handler.OnDisplayNameChanged(name, ctx); err != nil {
		return ole.E_FAIL
	}

	return ole.S_OK
}

func seOnIconPathChanged(this uintptr, newIconPath uintptr, eventContext uintptr) int64 {
	return ole.S_OK
}

func seOnSimpleVolumeChanged(this uintptr, newVolume uintptr, newMute uintptr, eventContext uintptr) int64 {
	se := (*SessionEvents)(unsafe.Pointer(this))

	if se.handler.OnVolumeChanged == nil {
		return ole.S_OK
	}

	vol := *(*float32)(unsafe.Pointer(&newVolume))
	mute := newMute != 0
	ctx := (*ole.GUID)(unsafe.Pointer(eventContext))

	if err := se.handler.OnVolumeChanged(vol, mute, ctx); err != nil {
		return ole.E_FAIL
	}

	return ole.S_OK
}

func seOnChannelVolumeChanged(this uintptr, channelCount uintptr, newChannelVolumeArray uintptr, changedChannel uintptr, eventContext uintptr) int64 {
	return ole.S_OK
}

func seOnGroupingParamChanged(this uintptr, newGroupingParam uintptr, eventContext uintptr) int64 {
	return ole.S_OK
}

func seOnStateChanged(this uintptr, newState uintptr) int64 {
	se := (*SessionEvents)(unsafe.Pointer(this))

	if se.handler.OnStateChanged == nil {
		return ole.S_OK
	}

	if err := se.handler.OnStateChanged(uint32(newState)); err != nil {
		return ole.E_FAIL
	}

	return ole.S_OK
}

func seOnSessionDisconnected(this uintptr, disconnectReason uintptr) int64 {
	se := (*SessionEvents)(unsafe.Pointer(this))

	if se.handler.OnDisconnected == nil {
		return ole.S_OK
	}

	if err := se.handler.OnDisconnected(uint32(disconnectReason)); err != nil {
		return ole.E_FAIL
	}

	return ole.S_OK
}

// NewSessionEvents creates a new IAudioSessionEvents implementation around the
// given handler
func NewSessionEvents(handler SessionEventsHandler) *SessionEvents {
	vTable := &sessionEventsVtbl{}

	// IUnknown methods
	vTable.QueryInterface = syscall.NewCallback(seQueryInterface)
	vTable.AddRef = syscall.NewCallback(seAddRef)
	vTable.Release = syscall.NewCallback(seRelease)

	// IAudioSessionEvents methods
	vTable.OnDisplayNameChanged = syscall.NewCallback(seOnDisplayNameChanged)
	vTable.OnIconPathChanged = syscall.NewCallback(seOnIconPathChanged)
	vTable.OnSimpleVolumeChanged = syscall.NewCallback(seOnSimpleVolumeChanged)
	vTable.OnChannelVolumeChanged = syscall.NewCallback(seOnChannelVolumeChanged)
	vTable.OnGroupingParamChanged = syscall.NewCallback(seOnGroupingParamChanged)
	vTable.OnStateChanged = syscall.NewCallback(seOnStateChanged)
	vTable.OnSessionDisconnected = syscall.NewCallback(seOnSessionDisconnected)

	se := &SessionEvents{}
	se.vTable = vTable
	se.handler = handler

	return se
}

// ToWCA returns the pointer cast to wca.IAudioSessionEvents for use with WCA functions
func (se *SessionEvents) ToWCA() *wca.IAudioSessionEvents {
	return (*wca.IAudioSessionEvents)(unsafe.Pointer(se))
}

// SessionNotificationHandler receives new-session notifications from the
// session manager
type SessionNotificationHandler struct {
	OnSessionCreated func(newSession *wca.IAudioSessionControl) error
}

// SessionNotification is a COM implementation of IAudioSessionNotification
type SessionNotification struct {
	vTable   *sessionNotificationVtbl
	refCount int
	handler  SessionNotificationHandler
}

type sessionNotificationVtbl struct {
	ole.IUnknownVtbl
	OnSessionCreated uintptr
}

func snQueryInterface(this uintptr, riid *ole.GUID, ppInterface *uintptr) int64 {
	*ppInterface = 0

	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, wca.IID_IAudioSessionNotification) {
		snAddRef(this)
		*ppInterface = this
		return ole.S_OK
	}

	return ole.E_NOINTERFACE
}

func snAddRef(this uintptr) int64 {
	sn := (*SessionNotification)(unsafe.Pointer(this))
	sn.refCount++
	return int64(sn.refCount)
}

func snRelease(this uintptr) int64 {
	sn := (*SessionNotification)(unsafe.Pointer(this))
	sn.refCount--
	return int64(sn.refCount)
}

func snOnSessionCreated(this uintptr, newSession uintptr) int64 {
	sn := (*SessionNotification)(unsafe.Pointer(this))

	if sn.handler.OnSessionCreated == nil {
		return ole.S_OK
	}

	session := (*wca.IAudioSessionControl)(unsafe.Pointer(newSession))

	if err := sn.handler.OnSessionCreated(session); err != nil {
		return ole.E_FAIL
	}

	return ole.S_OK
}

// NewSessionNotification creates a new IAudioSessionNotification implementation
// around the given handler
func NewSessionNotification(handler SessionNotificationHandler) *SessionNotification {
	vTable := &sessionNotificationVtbl{}

	// IUnknown methods
	vTable.QueryInterface = syscall.NewCallback(snQueryInterface)
	vTable.AddRef = syscall.NewCallback(snAddRef)
	vTable.Release = syscall.NewCallback(snRelease)

	// IAudioSessionNotification methods
	vTable.OnSessionCreated = syscall.NewCallback(snOnSessionCreated)

	sn := &SessionNotification{}
	sn.vTable = vTable
	sn.handler = handler

	return sn
}

// ToWCA returns the pointer cast to wca.IAudioSessionNotification for use with WCA functions
func (sn *SessionNotification) ToWCA() *wca.IAudioSessionNotification {
	return (*wca.IAudioSessionNotification)(unsafe.Pointer(sn))
}
