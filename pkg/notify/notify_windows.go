package notify

import (
	"fmt"
	"os"
	"strings"

	"git.sr.ht/~jackmordaunt/go-toast/v2"
	"github.com/google/uuid"
)

const appDisplayName = "Sound Panel"

var (
	initialized = false
	appID       = getAppID()
	appGUID     = getGUID()
)

func getAppID() string {
	ex, err := os.Executable()
	if err != nil {
		return "soundpanel"
	}
	return strings.ToLower(strings.ReplaceAll(ex, "\\", "-"))
}

// generate guid based on exe path
func getGUID() string {
	return uuid.NewSHA1(uuid.Nil, []byte(appID)).String()
}

func initialize() error {
	if initialized {
		return nil
	}

	// register app in registry so toasts carry our name instead of the exe path
	// https://learn.microsoft.com/en-us/windows/apps/design/shell/tiles-and-notifications/send-local-toast-other-apps
	err := setAppData(appData{
		AppID:       appID,
		DisplayName: appDisplayName,
		GUID:        appGUID,
	})

	if err != nil {
		return err
	}

	initialized = true
	return nil
}

func push(title, message string) error {
	if err := initialize(); err != nil {
		return fmt.Errorf("initialize toast: %w", err)
	}

	n := toast.Notification{
		AppID:    appID,
		Title:    title,
		Body:     message,
		Duration: "short",
	}

	if err := n.Push(); err != nil {
		return fmt.Errorf("push toast: %w", err)
	}

	return nil
}
