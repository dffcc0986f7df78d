package panel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type monitorFixture struct {
	sim      *simFacade
	registry *Registry
	events   *EventBus
	incoming <-chan Event
	monitor  *Monitor
	commands *CommandBus
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	logger := testLogger()
	sim := newSimFacade()
	registry := NewRegistry(logger)
	events := NewEventBus(logger)
	link := NewExtensionLink(&CanonicalConfig{WebsocketPort: 0}, logger, events)

	fx := &monitorFixture{
		sim:      sim,
		registry: registry,
		events:   events,
		incoming: events.Subscribe(),
		monitor:  NewMonitor(logger, sim, registry, events),
		commands: NewCommandBus(logger, registry, sim, link),
	}

	// deterministic name resolution: no live process table in tests
	fx.monitor.resolveProcessName = func(pid uint32) (string, error) {
		return "", errors.New("process handle inaccessible")
	}

	return fx
}

func (fx *monitorFixture) start(t *testing.T) {
	t.Helper()

	require.NoError(t, fx.monitor.Start())
	t.Cleanup(fx.monitor.Stop)
}

func waitForEvent(t *testing.T, incoming <-chan Event, name string) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-incoming:
			if event.EventName() == name {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func assertNoEvent(t *testing.T, incoming <-chan Event) {
	t.Helper()

	select {
	case event := <-incoming:
		t.Fatalf("unexpected %q event", event.EventName())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorDiscovery(t *testing.T) {
	fx := newMonitorFixture(t)

	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Muted: false, Active: true})
	fx.sim.seedSession(RawSession{ID: "B", PID: 1001, Volume: 1.0, Muted: true, Active: true})

	fx.start(t)

	created := map[string]SessionSnapshot{}
	for i := 0; i < 2; i++ {
		event := waitForEvent(t, fx.incoming, EventSessionCreated)
		snapshot := event.EventPayload().(SessionSnapshot)
		created[snapshot.UID] = snapshot
	}

	require.Len(t, created, 2)
	assert.Equal(t, uint32(1000), created["A"].PID)
	assert.Equal(t, float32(0.5), created["A"].Volume)
	assert.False(t, created["A"].IsMuted)
	assert.Equal(t, float32(1.0), created["B"].Volume)
	assert.True(t, created["B"].IsMuted)

	snapshots := fx.commands.GetSessionsAndVolumes()
	require.Len(t, snapshots, 2)

	assertNoEvent(t, fx.incoming)
}

func TestMonitorVolumeRoundTrip(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.commands.SetVolume(1000, "A", 0.25)

	event := waitForEvent(t, fx.incoming, EventSessionVolumeChanged)
	payload := event.EventPayload().(SessionVolumeChangedEvent)
	assert.Equal(t, "A", payload.UID)
	assert.Equal(t, float32(0.25), payload.NewVolume)
	assert.False(t, payload.IsMuted)

	record, ok := fx.registry.Get("A")
	require.True(t, ok)
	assert.Equal(t, float32(0.25), record.Volume)
}

func TestMonitorVolumeClamping(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.commands.SetVolume(1000, "A", 3.0)

	event := waitForEvent(t, fx.incoming, EventSessionVolumeChanged)
	payload := event.EventPayload().(SessionVolumeChangedEvent)
	assert.Equal(t, float32(1.0), payload.NewVolume)

	record, _ := fx.registry.Get("A")
	assert.Equal(t, float32(1.0), record.Volume)

	fx.commands.SetVolume(1000, "A", -0.5)

	event = waitForEvent(t, fx.incoming, EventSessionVolumeChanged)
	payload = event.EventPayload().(SessionVolumeChangedEvent)
	assert.Equal(t, float32(0.0), payload.NewVolume)
}

func TestMonitorLastWriterWins(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.commands.SetVolume(1000, "A", 0.3)
	fx.commands.SetVolume(1000, "A", 0.7)

	require.Eventually(t, func() bool {
		record, ok := fx.registry.Get("A")
		return ok && record.Volume == 0.7
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorExpiry(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.sim.seedSession(RawSession{ID: "B", PID: 1001, Volume: 1.0, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)
	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.sim.fireDisconnected("B")

	event := waitForEvent(t, fx.incoming, EventSessionClosed)
	assert.Equal(t, "B", event.EventPayload().(string))

	snapshots := fx.commands.GetSessionsAndVolumes()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "A", snapshots[0].UID)

	// writes to a closed session are silently dropped
	fx.commands.SetVolume(1001, "B", 0.1)
	assertNoEvent(t, fx.incoming)
}

func TestMonitorSessionAdded(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.start(t)

	fx.sim.addSession(RawSession{ID: "C", PID: 1234, DisplayName: "Media Player", Volume: 0.8, Active: true})

	event := waitForEvent(t, fx.incoming, EventSessionCreated)
	snapshot := event.EventPayload().(SessionSnapshot)
	assert.Equal(t, "C", snapshot.UID)
	assert.Equal(t, "Media Player", snapshot.Name)
	assert.True(t, fx.sim.isSubscribed("C"))
}

func TestMonitorDuplicateSessionIgnored(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.sim.addSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	assertNoEvent(t, fx.incoming)

	assert.Equal(t, 1, fx.registry.Count())
}

func TestMonitorStateChange(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)

	// a state change arriving before any volume change still lands in the
	// registry and stays visible in snapshots
	fx.sim.fireStateChanged("A", false)

	event := waitForEvent(t, fx.incoming, EventSessionStateChanged)
	payload := event.EventPayload().(SessionStateChangedEvent)
	assert.Equal(t, "A", payload.UID)
	assert.False(t, payload.IsActive)

	snapshots := fx.commands.GetSessionsAndVolumes()
	require.Len(t, snapshots, 1)
	assert.False(t, snapshots[0].IsActive)

	record, _ := fx.registry.Get("A")
	assert.False(t, record.Active)
}

func TestMonitorMuteIdempotence(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})
	fx.start(t)

	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.commands.SetMute(1000, "A", true)
	fx.commands.SetMute(1000, "A", true)

	event := waitForEvent(t, fx.incoming, EventSessionVolumeChanged)
	assert.True(t, event.EventPayload().(SessionVolumeChangedEvent).IsMuted)
	event = waitForEvent(t, fx.incoming, EventSessionVolumeChanged)
	assert.True(t, event.EventPayload().(SessionVolumeChangedEvent).IsMuted)

	record, _ := fx.registry.Get("A")
	assert.True(t, record.Muted)
}

func TestMonitorNameResolution(t *testing.T) {
	fx := newMonitorFixture(t)

	fx.monitor.resolveProcessName = func(pid uint32) (string, error) {
		if pid == 2000 {
			return "spotify.exe", nil
		}
		return "", errors.New("process handle inaccessible")
	}

	fx.sim.seedSession(RawSession{ID: "named", PID: 1000, DisplayName: "Music Player", Active: true})
	fx.sim.seedSession(RawSession{ID: "proc", PID: 2000, Active: true})
	fx.sim.seedSession(RawSession{ID: "orphan", PID: 3000, Active: true})

	fx.start(t)

	names := map[string]string{}
	for i := 0; i < 3; i++ {
		event := waitForEvent(t, fx.incoming, EventSessionCreated)
		snapshot := event.EventPayload().(SessionSnapshot)
		names[snapshot.UID] = snapshot.Name
	}

	assert.Equal(t, "Music Player", names["named"])
	assert.Equal(t, "spotify.exe", names["proc"])
	assert.Equal(t, "PID 3000", names["orphan"])
}

func TestMonitorEventBracketing(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.start(t)

	fx.sim.addSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})

	// per-session callbacks attach asynchronously on the worker; fire the
	// follow-up notifications only once the subscription is live
	require.Eventually(t, func() bool {
		return fx.sim.isSubscribed("A")
	}, 2*time.Second, 10*time.Millisecond)

	fx.sim.fireVolumeChanged("A", 0.4, false)
	fx.sim.fireStateChanged("A", false)
	fx.sim.fireDisconnected("A")

	names := []string{}
	for i := 0; i < 4; i++ {
		select {
		case event := <-fx.incoming:
			names = append(names, event.EventName())
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}

	assert.Equal(t, []string{
		EventSessionCreated,
		EventSessionVolumeChanged,
		EventSessionStateChanged,
		EventSessionClosed,
	}, names)
}

func TestMonitorPlatformInitFailure(t *testing.T) {
	logger := testLogger()
	sim := newSimFacade()
	sim.initErr = ErrPlatformInit

	monitor := NewMonitor(logger, sim, NewRegistry(logger), NewEventBus(logger))

	err := monitor.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlatformInit)
}

func TestMonitorReleasesFacadeOnStop(t *testing.T) {
	fx := newMonitorFixture(t)
	fx.sim.seedSession(RawSession{ID: "A", PID: 1000, Volume: 0.5, Active: true})

	require.NoError(t, fx.monitor.Start())
	waitForEvent(t, fx.incoming, EventSessionCreated)

	fx.monitor.Stop()

	assert.True(t, fx.sim.released)
	assert.False(t, fx.sim.isSubscribed("A"))
}
