package panel

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// TabRecord is the core's projection of one browser-tab audio source. It is
// carried verbatim from the extension; the most recent frame is the
// authoritative full snapshot.
type TabRecord struct {
	TabID           int64   `json:"tabId"`
	TabURL          string  `json:"tabUrl"`
	TabTitle        string  `json:"tabTitle"`
	IsAudible       bool    `json:"isAudible"`
	HasContentAudio bool    `json:"hasContentAudio"`
	IsMuted         bool    `json:"isMuted"`
	Paused          bool    `json:"paused"`
	Volume          float32 `json:"volume"`
	LastUpdate      int64   `json:"lastUpdate"`
}

// Outbound frame discriminators
const (
	tabCommandSetVolume = "set_tab_volume"
	tabCommandSetMute   = "set_tab_mute"
)

// TabCommand is one outbound control frame towards the extension
type TabCommand struct {
	Type          string   `json:"type"`
	TabID         int64    `json:"tabId"`
	Volume        *float32 `json:"volume,omitempty"`
	Mute          *bool    `json:"mute,omitempty"`
	InitialVolume *float32 `json:"initialVolume,omitempty"`
}

// inbound object frames the extension may send for diagnostics; dropped
// without counting as parse errors
var ignoredInboundTypes = []string{"ack"}

const (
	// outbound frames pending per connection; beyond this, freshest wins
	frameQueueCapacity = 64

	extensionWriteTimeout = 10 * time.Second
)

// frameQueue is the non-blocking send channel between the command bus and one
// extension connection. A newer frame replaces a pending one with the same
// (type, tabId); when full, the oldest pending frame is dropped.
type frameQueue struct {
	lock    sync.Mutex
	frames  []TabCommand
	signal  chan struct{}
	dropped uint64
}

func newFrameQueue() *frameQueue {
	return &frameQueue{signal: make(chan struct{}, 1)}
}

func (q *frameQueue) enqueue(command TabCommand) {
	q.lock.Lock()

	index := funk.IndexOf(funk.Map(q.frames, func(pending TabCommand) string {
		return frameKey(pending)
	}), frameKey(command))

	if index >= 0 {
		q.frames[index] = command
	} else {
		if len(q.frames) >= frameQueueCapacity {
			q.frames = q.frames[1:]
			q.dropped++
		}
		q.frames = append(q.frames, command)
	}

	q.lock.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pop() (TabCommand, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.frames) == 0 {
		return TabCommand{}, false
	}

	command := q.frames[0]
	q.frames = q.frames[1:]

	return command, true
}

func frameKey(command TabCommand) string {
	return fmt.Sprintf("%s/%d", command.Type, command.TabID)
}

// extensionClient is one accepted extension connection and its send channel
type extensionClient struct {
	conn   *websocket.Conn
	queue  *frameQueue
	closed chan struct{}
}

var extensionUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,

	// the listener is loopback-only; the browser extension connects with a
	// chrome-extension:// origin, so origin checking buys nothing here
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ExtensionLink is the loopback WebSocket server the browser extension
// connects to. One client at a time; a second upgrade supersedes the first.
// Inbound tab snapshots become extension-audio-tabs events, outbound tab
// commands flow through the per-connection frame queue.
type ExtensionLink struct {
	config *CanonicalConfig
	logger *zap.SugaredLogger

	events *EventBus

	portConfig int
	server     *http.Server
	boundAddr  net.Addr

	lock   sync.Mutex
	client *extensionClient

	parseErrors atomic.Uint64

	stopChannel chan struct{}
	wg          sync.WaitGroup
}

func NewExtensionLink(config *CanonicalConfig, logger *zap.SugaredLogger, events *EventBus) *ExtensionLink {
	logger = logger.Named("extension")

	link := &ExtensionLink{
		config: config,
		logger: logger,
		events: events,
	}

	logger.Debug("Created extension link instance")

	link.setupOnConfigReload()

	return link
}

// Start binds the loopback listener and begins accepting upgrades
func (l *ExtensionLink) Start() error {
	l.stopChannel = make(chan struct{})
	l.portConfig = l.config.WebsocketPort

	address := fmt.Sprintf("127.0.0.1:%d", l.portConfig)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		l.logger.Errorw("Failed to bind extension listener", "address", address, "error", err)
		return fmt.Errorf("bind extension listener: %w", err)
	}

	l.boundAddr = listener.Addr()

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)

	l.server = &http.Server{Handler: mux}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		if err := l.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			l.logger.Warnw("Extension listener stopped unexpectedly", "error", err)
		}
	}()

	l.logger.Infow("Extension link listening", "address", l.boundAddr.String())

	return nil
}

// Addr returns the bound listener address, useful when the configured port is
// 0 (ephemeral)
func (l *ExtensionLink) Addr() string {
	if l.boundAddr == nil {
		return ""
	}
	return l.boundAddr.String()
}

// Stop closes the current client with a normal-closure code and shuts the
// listener down
func (l *ExtensionLink) Stop() {
	if l.stopChannel == nil {
		return
	}

	close(l.stopChannel)

	l.lock.Lock()
	client := l.client
	l.client = nil
	l.lock.Unlock()

	if client != nil {
		l.closeClient(client, "shutting down")
	}

	if l.server != nil {
		_ = l.server.Close()
	}

	l.wg.Wait()
	l.stopChannel = nil

	l.logger.Info("Extension link stopped")
}

// Connected reports whether an extension client is currently attached
func (l *ExtensionLink) Connected() bool {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.client != nil
}

// EnqueueTabCommand hands an outbound frame to the connected client without
// blocking. With no client attached the frame has nowhere to go and is
// dropped; the extension resyncs from its own state on reconnect.
func (l *ExtensionLink) EnqueueTabCommand(command TabCommand) {
	l.lock.Lock()
	client := l.client
	l.lock.Unlock()

	if client == nil {
		l.logger.Debugw("No extension connected, dropping tab command", "type", command.Type, "tabId", command.TabID)
		return
	}

	client.queue.enqueue(command)
}

func (l *ExtensionLink) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := extensionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warnw("Failed to upgrade extension connection", "error", err)
		return
	}

	client := &extensionClient{
		conn:   conn,
		queue:  newFrameQueue(),
		closed: make(chan struct{}),
	}

	l.lock.Lock()
	superseded := l.client
	l.client = client
	l.lock.Unlock()

	if superseded != nil {
		l.logger.Info("New extension connection supersedes the current one")
		l.closeClient(superseded, "superseded by a new connection")
	}

	l.logger.Infow("Extension connected", "remote", conn.RemoteAddr().String())

	l.wg.Add(1)
	go l.writeLoop(client)

	l.readLoop(client)
}

// detach removes the client from the slot if it still owns it and tears its
// connection down. Safe to call more than once.
func (l *ExtensionLink) detach(client *extensionClient) {
	l.lock.Lock()
	if l.client == client {
		l.client = nil
	}
	l.lock.Unlock()

	select {
	case <-client.closed:
	default:
		close(client.closed)
	}

	_ = client.conn.Close()
}

// closeClient sends a normal-closure frame before tearing the connection down
func (l *ExtensionLink) closeClient(client *extensionClient, reason string) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = client.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(extensionWriteTimeout))

	l.detach(client)
}

func (l *ExtensionLink) readLoop(client *extensionClient) {
	defer l.detach(client)

	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			l.logger.Debugw("Extension read loop ending",
				"error", err,
				"parseErrors", l.parseErrors.Load())
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		l.handleInboundFrame(data)
	}
}

// handleInboundFrame decodes one text frame: either a full tab snapshot array
// or a diagnostic object. Malformed frames are counted and dropped; the
// connection stays open.
func (l *ExtensionLink) handleInboundFrame(data []byte) {
	var tabs []TabRecord

	if err := json.Unmarshal(data, &tabs); err == nil {
		l.events.Publish(ExtensionAudioTabsEvent{Tabs: tabs})
		return
	}

	var envelope struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal(data, &envelope); err == nil &&
		funk.ContainsString(ignoredInboundTypes, envelope.Type) {
		return
	}

	dropped := l.parseErrors.Add(1)
	l.logger.Debugw("Dropping malformed extension frame", "totalParseErrors", dropped)
}

func (l *ExtensionLink) writeLoop(client *extensionClient) {
	defer l.wg.Done()

	for {
		select {
		case <-client.closed:
			return

		case <-l.stopChannel:
			return

		case <-client.queue.signal:
			for {
				command, ok := client.queue.pop()
				if !ok {
					break
				}

				_ = client.conn.SetWriteDeadline(time.Now().Add(extensionWriteTimeout))

				if err := client.conn.WriteJSON(command); err != nil {
					l.logger.Debugw("Failed to write tab command, dropping connection", "error", err)
					l.detach(client)
					return
				}
			}
		}
	}
}

func (l *ExtensionLink) setupOnConfigReload() {
	configReloadedChannel := l.config.SubscribeToChanges()

	go func() {
		for {
			<-configReloadedChannel

			if l.config.WebsocketPort != l.portConfig {
				l.logger.Info("Detected change in websocket port, restarting extension link")
				l.Stop()
				if err := l.Start(); err != nil {
					l.logger.Errorw("Failed to restart extension link", "error", err)
				}
			}
		}
	}()
}
