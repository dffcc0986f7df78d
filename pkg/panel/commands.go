package panel

import (
	"errors"

	"go.uber.org/zap"

	"github.com/lavoca/soundpanel/pkg/panel/util"
)

// CommandBus is the synchronous request surface the UI bridge calls into. A
// returned value confirms the command was accepted, not that state converged;
// convergence is observed on the event bus. Safe for concurrent callers.
type CommandBus struct {
	logger *zap.SugaredLogger

	registry *Registry
	api      SessionAPI
	link     *ExtensionLink
}

func NewCommandBus(logger *zap.SugaredLogger, registry *Registry, api SessionAPI, link *ExtensionLink) *CommandBus {
	return &CommandBus{
		logger:   logger.Named("commands"),
		registry: registry,
		api:      api,
		link:     link,
	}
}

// GetSessionsAndVolumes returns the current session snapshots. Served from the
// registry cache, never blocks on the OS facade; safe to call at UI startup.
func (c *CommandBus) GetSessionsAndVolumes() []SessionSnapshot {
	records := c.registry.Snapshot()

	snapshots := make([]SessionSnapshot, 0, len(records))
	for _, record := range records {
		snapshots = append(snapshots, snapshotOf(record))
	}

	return snapshots
}

// SetVolume applies a UI-side volume change to one session. The registry is
// updated optimistically so an immediate snapshot reflects the user's intent;
// the OS VolumeChanged notification is the authoritative reconciler. The pid
// is informational only, uid is the sole routing key.
func (c *CommandBus) SetVolume(pid uint32, uid string, volume float32) {
	volume = util.ClampScalar(volume)

	if !c.registry.SetVolume(uid, volume, c.mutedOf(uid)) {
		c.logger.Debugw("Volume command for untracked session", "uid", uid, "pid", pid)
	}

	if _, err := c.api.SetVolume(uid, volume); err != nil {

		// the session disappeared under us; the monitor's session-closed
		// event reconciles the UI, nothing to surface here
		if errors.Is(err, ErrSessionGone) {
			c.logger.Debugw("Set volume on closed session, dropping", "uid", uid)
			return
		}

		c.logger.Warnw("Failed to set session volume", "uid", uid, "error", err)
	}
}

// SetMute applies a UI-side mute change to one session. Same optimistic-write
// contract as SetVolume.
func (c *CommandBus) SetMute(pid uint32, uid string, mute bool) {
	if !c.registry.SetMute(uid, mute) {
		c.logger.Debugw("Mute command for untracked session", "uid", uid, "pid", pid)
	}

	if err := c.api.SetMute(uid, mute); err != nil {
		if errors.Is(err, ErrSessionGone) {
			c.logger.Debugw("Set mute on closed session, dropping", "uid", uid)
			return
		}

		c.logger.Warnw("Failed to set session mute", "uid", uid, "error", err)
	}
}

// SetTabVolume enqueues a volume change towards the connected extension
func (c *CommandBus) SetTabVolume(tabID int64, volume float32) {
	volume = util.ClampScalar(volume)

	c.link.EnqueueTabCommand(TabCommand{
		Type:   tabCommandSetVolume,
		TabID:  tabID,
		Volume: &volume,
	})
}

// SetTabMute enqueues a mute change towards the connected extension. The
// optional initial volume lets the extension restore the pre-mute level.
func (c *CommandBus) SetTabMute(tabID int64, mute bool, initialVolume *float32) {
	if initialVolume != nil {
		clamped := util.ClampScalar(*initialVolume)
		initialVolume = &clamped
	}

	c.link.EnqueueTabCommand(TabCommand{
		Type:          tabCommandSetMute,
		TabID:         tabID,
		Mute:          &mute,
		InitialVolume: initialVolume,
	})
}

// mutedOf reads the cached mute flag so an optimistic volume write doesn't
// clobber it
func (c *CommandBus) mutedOf(uid string) bool {
	record, ok := c.registry.Get(uid)
	if !ok {
		return false
	}

	return record.Muted
}
