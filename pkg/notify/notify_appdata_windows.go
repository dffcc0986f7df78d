package notify

import (
	"fmt"
	"path/filepath"
	"sync"

	"git.sr.ht/~jackmordaunt/go-toast/v2/wintoast"
	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows/registry"
)

// The wintoast package registers the AppUserModelId with the exe path as the
// display name. These helpers write DisplayName and AppID separately so the
// action center shows a proper name.

var (
	savedAppData appData
	appDataMu    sync.Mutex
)

var appKeyRoot = filepath.Join("SOFTWARE", "Classes", "AppUserModelId")

type appData struct {
	AppID       string
	DisplayName string
	GUID        string
	IconPath    string // optional
}

func setAppData(data appData) (err error) {
	appDataMu.Lock()
	defer appDataMu.Unlock()

	// early out if we have already set this data, or if it's empty and would
	// overwrite the registry entries with nothing
	if savedAppData == data || data.AppID == "" {
		return nil
	}

	if data.GUID != "" {
		wintoast.GUID_ImplNotificationActivationCallback = ole.NewGUID(data.GUID)
	}

	defer func() {
		if err == nil {
			savedAppData = data
		}
	}()

	return writeAppData(data)
}

func writeAppData(data appData) error {
	if data.DisplayName == "" {
		return fmt.Errorf("empty display name")
	}

	appKey := filepath.Join(appKeyRoot, data.AppID)

	if err := writeStringValue(appKey, "DisplayName", data.DisplayName); err != nil {
		return err
	}

	// CustomActivator teaches Windows what COM class to use as the callback when
	// a toast notification is activated
	if err := writeStringValue(appKey, "CustomActivator", wintoast.GUID_ImplNotificationActivationCallback.String()); err != nil {
		return err
	}

	if data.IconPath != "" {
		if err := writeStringValue(appKey, "IconUri", data.IconPath); err != nil {
			return err
		}
	}

	return nil
}

// writeStringValue writes a string value under the key at path, where name is
// the value's name and value is its string data.
func writeStringValue(path, name, value string) error {
	key, _, err := registry.CreateKey(registry.CURRENT_USER, path, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("opening registry key: %s: %w", path, err)
	}
	if err := key.SetStringValue(name, value); err != nil {
		return fmt.Errorf("setting string value: (%s) %s=%s: %w", path, name, value, err)
	}
	if err := key.Close(); err != nil {
		return fmt.Errorf("closing key: %s: %w", path, err)
	}
	return nil
}
