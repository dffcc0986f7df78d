// Package panel implements the backend engine of a desktop audio mixer: it
// tracks the machine's audio sessions through the OS session API, links up
// with a browser extension over a loopback WebSocket, and exposes a command
// and event surface for a UI bridge to consume.
package panel

import (
	"embed"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/jeandeaual/go-locale"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pelletier/go-toml/v2"

	"github.com/lavoca/soundpanel/pkg/notify"
	"github.com/lavoca/soundpanel/pkg/panel/util"
)

// Panel is the main entity managing access to all sub-components
type Panel struct {
	logger    *zap.SugaredLogger
	notifier  notify.Notifier
	config    *CanonicalConfig
	registry  *Registry
	events    *EventBus
	monitor   *Monitor
	extension *ExtensionLink
	commands  *CommandBus
	bundle    *i18n.Bundle
	localizer *i18n.Localizer

	stopChannel chan bool
	version     string
	verbose     bool
}

//go:embed lang/active.*.toml
var langFS embed.FS

// NewPanel creates a Panel instance
func NewPanel(logger *zap.SugaredLogger, verbose bool, configPath string) (*Panel, error) {
	logger = logger.Named("panel")

	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	_, err := bundle.LoadMessageFileFS(langFS, "lang/active.ru.toml")

	if err != nil {
		logger.Errorw("Failed to open ru message file", "error", err)
		return nil, fmt.Errorf("load message file: %w", err)
	}

	notifier, err := notify.NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	p := &Panel{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool),
		verbose:     verbose,
		bundle:      bundle,
	}

	p.registry = NewRegistry(logger)
	p.events = NewEventBus(logger)

	api := newSessionAPI(logger)
	p.monitor = NewMonitor(logger, api, p.registry, p.events)

	p.extension = NewExtensionLink(config, logger, p.events)
	p.commands = NewCommandBus(logger, p.registry, api, p.extension)

	logger.Debug("Created panel instance")

	return p, nil
}

// Initialize sets up and starts the components, then blocks in the run loop
// until a stop is signalled; a stop exits the process. It returns only when
// startup fails.
func (p *Panel) Initialize() error {
	p.logger.Debug("Initializing")

	if p.version != "" {
		p.logger.Infow("Version info", "version", p.version)
	}

	// create temp initialLocalizer because we don't know the language yet
	initialLocalizer, err := p.GetSystemLocalizer()
	if err != nil {
		return err
	}

	// load the config for the first time
	if err := p.config.Load(initialLocalizer); err != nil {
		p.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if err := p.updateLocalizer(); err != nil {
		p.logger.Errorw("Failed to update localizer", "error", err)
		return fmt.Errorf("update localizer: %w", err)
	}

	// bring the audio engine up; a platform refusal is fatal and the one
	// failure the user gets told about directly
	if err := p.monitor.Start(); err != nil {
		p.logger.Errorw("Failed to start audio monitor", "error", err)

		if errors.Is(err, ErrPlatformInit) {
			engineFailedTitle := p.localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "AudioEngineFailedTitle",
					Other: "Can't access the audio system!",
				},
			})
			engineFailedDescription := p.localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "AudioEngineFailedDescription",
					Other: "Audio sessions can't be controlled right now. Please check the logs and re-launch.",
				},
			})
			p.notifier.Notify(engineFailedTitle, engineFailedDescription)
		}

		return fmt.Errorf("start audio monitor: %w", err)
	}

	if err := p.extension.Start(); err != nil {
		p.logger.Errorw("Failed to start extension link", "error", err)
		return fmt.Errorf("start extension link: %w", err)
	}

	p.setupInterruptHandler()
	p.run()

	return nil
}

// Commands returns the request/response surface for the UI bridge
func (p *Panel) Commands() *CommandBus {
	return p.commands
}

// Events returns the event fan-out surface for the UI bridge
func (p *Panel) Events() *EventBus {
	return p.events
}

func (p *Panel) GetSystemLocalizer() (*i18n.Localizer, error) {
	lang, err := locale.GetLanguage()
	if err != nil {
		return nil, fmt.Errorf("get system locale: %w", err)
	}
	return i18n.NewLocalizer(p.bundle, lang, "en"), nil
}

func (p *Panel) updateLocalizer() error {
	lang := p.config.Language
	if lang == "auto" {
		var err error
		lang, err = locale.GetLanguage()

		if err != nil {
			p.logger.Errorw("Failed to get system locale", "error", err)
			return fmt.Errorf("get system locale: %w", err)
		}
	}
	p.logger.Infof("Selected language: %s", lang)
	p.localizer = i18n.NewLocalizer(p.bundle, lang, "en")

	return nil
}

// SetVersion causes the panel to log a version string if called before Initialize
func (p *Panel) SetVersion(version string) {
	p.version = version
}

// Verbose returns a boolean indicating whether the panel is running in verbose mode
func (p *Panel) Verbose() bool {
	return p.verbose
}

func (p *Panel) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		p.logger.Debugw("Interrupted", "signal", signal)
		p.signalStop()
	}()
}

func (p *Panel) run() {
	p.logger.Info("Run loop starting")

	// watch the config file for changes
	go p.config.WatchConfigFileChanges(p.localizer)

	// wait until stopped (gracefully)
	<-p.stopChannel
	p.logger.Debug("Stop channel signaled, terminating")

	if err := p.stop(); err != nil {
		p.logger.Warnw("Failed to stop panel", "error", err)
		os.Exit(1)
	}
	// exit with 0
	os.Exit(0)
}

func (p *Panel) signalStop() {
	p.logger.Debug("Signalling stop channel")
	p.stopChannel <- true
}

func (p *Panel) stop() error {
	p.logger.Info("Stopping")

	p.config.StopWatchingConfigFile()
	p.extension.Stop()
	p.monitor.Stop()
	p.events.Close()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = p.logger.Sync()

	return nil
}
