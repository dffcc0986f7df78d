package panel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliveryOrder(t *testing.T) {
	bus := NewEventBus(testLogger())
	incoming := bus.Subscribe()

	bus.Publish(SessionCreatedEvent{Session: SessionSnapshot{UID: "A"}})
	bus.Publish(SessionVolumeChangedEvent{UID: "A", NewVolume: 0.4})
	bus.Publish(SessionClosedEvent{UID: "A"})

	assert.Equal(t, EventSessionCreated, (<-incoming).EventName())
	assert.Equal(t, EventSessionVolumeChanged, (<-incoming).EventName())
	assert.Equal(t, EventSessionClosed, (<-incoming).EventName())
}

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus(testLogger())
	first := bus.Subscribe()
	second := bus.Subscribe()

	bus.Publish(SessionClosedEvent{UID: "A"})

	assert.Equal(t, "A", (<-first).EventPayload().(string))
	assert.Equal(t, "A", (<-second).EventPayload().(string))
}

func TestEventBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus(testLogger())
	slow := bus.Subscribe()

	// overflow the buffer; Publish must never block
	for i := 0; i < eventBufferSize*2; i++ {
		bus.Publish(SessionVolumeChangedEvent{UID: "A", NewVolume: 0.5})
	}

	delivered := 0
	for {
		select {
		case <-slow:
			delivered++
			continue
		default:
		}
		break
	}

	assert.Equal(t, eventBufferSize, delivered)
}

func TestEventPayloadShapes(t *testing.T) {
	snapshot := SessionSnapshot{
		PID:      1000,
		UID:      "A",
		Name:     "chrome.exe",
		Volume:   0.5,
		IsMuted:  false,
		IsActive: true,
	}

	data, err := json.Marshal(SessionCreatedEvent{Session: snapshot}.EventPayload())
	require.NoError(t, err)
	assert.JSONEq(t, `{"pid":1000,"uid":"A","name":"chrome.exe","volume":0.5,"isMuted":false,"is_active":true}`, string(data))

	data, err = json.Marshal(SessionVolumeChangedEvent{UID: "A", NewVolume: 0.25, IsMuted: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"uid":"A","newVolume":0.25,"isMuted":true}`, string(data))

	data, err = json.Marshal(SessionStateChangedEvent{UID: "A", IsActive: false})
	require.NoError(t, err)
	assert.JSONEq(t, `{"uid":"A","is_active":false}`, string(data))

	data, err = json.Marshal(SessionClosedEvent{UID: "A"}.EventPayload())
	require.NoError(t, err)
	assert.JSONEq(t, `"A"`, string(data))
}

func TestTabRecordFieldNames(t *testing.T) {
	frame := `[{
		"tabId": 42,
		"tabUrl": "https://example.com/watch",
		"tabTitle": "Example",
		"isAudible": true,
		"hasContentAudio": true,
		"isMuted": false,
		"paused": false,
		"volume": 0.7,
		"lastUpdate": 1712345678
	}]`

	var tabs []TabRecord
	require.NoError(t, json.Unmarshal([]byte(frame), &tabs))
	require.Len(t, tabs, 1)

	assert.Equal(t, int64(42), tabs[0].TabID)
	assert.Equal(t, "https://example.com/watch", tabs[0].TabURL)
	assert.True(t, tabs[0].IsAudible)
	assert.Equal(t, float32(0.7), tabs[0].Volume)
	assert.Equal(t, int64(1712345678), tabs[0].LastUpdate)
}
