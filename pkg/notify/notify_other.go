//go:build !windows

package notify

import (
	"fmt"

	"github.com/gen2brain/beeep"
)

func push(title, message string) error {
	if err := beeep.Notify(title, message, ""); err != nil {
		return fmt.Errorf("push notification: %w", err)
	}

	return nil
}
