package notify

import (
	"go.uber.org/zap"
)

// Notifier sends a user-visible desktop notification. The core notifies for
// failures the user must act on (broken config, audio engine refusing to
// start) and to confirm a successful config reload; everything else stays in
// the logs.
type Notifier interface {
	Notify(title string, message string)
}

type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

func (tn *ToastNotifier) Notify(title string, message string) {
	if err := push(title, message); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
