//go:build !windows

package panel

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// stubFacade stands in on platforms without a session-based audio API. Every
// build still compiles and tests run everywhere; only Initialize can be
// reached, and it refuses.
type stubFacade struct {
	logger *zap.SugaredLogger
}

func newSessionAPI(logger *zap.SugaredLogger) SessionAPI {
	return &stubFacade{logger: logger.Named("stub")}
}

func (f *stubFacade) Initialize() error {
	f.logger.Warnw("No audio session backend for this platform", "os", runtime.GOOS)
	return fmt.Errorf("%w: unsupported platform %s", ErrPlatformInit, runtime.GOOS)
}

func (f *stubFacade) EnumerateSessions() ([]RawSession, error) {
	return nil, fmt.Errorf("unsupported platform %s", runtime.GOOS)
}

func (f *stubFacade) SubscribeSessionAdded(func(RawSession)) error {
	return fmt.Errorf("unsupported platform %s", runtime.GOOS)
}

func (f *stubFacade) SubscribeSessionEvents(string, SessionEventsCallback) (Subscription, error) {
	return nil, fmt.Errorf("unsupported platform %s", runtime.GOOS)
}

func (f *stubFacade) SetVolume(sessionID string, v float32) (float32, error) {
	return 0, fmt.Errorf("set volume: %w: %s", ErrSessionGone, sessionID)
}

func (f *stubFacade) SetMute(sessionID string, muted bool) error {
	return fmt.Errorf("set mute: %w: %s", ErrSessionGone, sessionID)
}

func (f *stubFacade) Release() {}
