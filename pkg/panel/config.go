package panel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lavoca/soundpanel/pkg/notify"
	"github.com/lavoca/soundpanel/pkg/panel/util"
)

// CanonicalConfig provides application-wide access to configuration fields, as
// well as loading/file watching logic for the configuration file
type CanonicalConfig struct {
	WebsocketPort int

	Language string

	logger             *zap.SugaredLogger
	notifier           notify.Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	configPath string
}

const (
	configType = "yaml"

	configKeyWebsocketPort = "websocket_port"
	configKeyLanguage      = "language"

	// the env var the extension's options page documents for non-default setups
	envWebsocketPort = "SOUNDPANEL_WS_PORT"

	// the port the companion extension dials by default
	defaultWebsocketPort = 16671

	defaultLanguage = "auto"
)

// NewConfig creates a config instance and sets up its viper instance
func NewConfig(logger *zap.SugaredLogger, notifier notify.Notifier, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	ex, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable dir: %w", err)
	}

	// set config path to exe dir, if custom path is not provided
	if configPath == "" {
		configPath = filepath.Join(filepath.Dir(ex), "config.yaml")
	}

	userConfigName := filepath.Base(configPath)
	configDir := filepath.Dir(configPath)

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configPath:         configPath,
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(configDir)

	userConfig.SetDefault(configKeyWebsocketPort, defaultWebsocketPort)
	userConfig.SetDefault(configKeyLanguage, defaultLanguage)

	// a single env override for the port, everything else is file-only
	_ = userConfig.BindEnv(configKeyWebsocketPort, envWebsocketPort)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Load reads the config file from disk and tries to parse it. A missing file
// is fine, the defaults cover everything.
func (cc *CanonicalConfig) Load(localizer *i18n.Localizer) error {
	cc.logger.Debugw("Loading config", "path", cc.configPath)

	if !util.FileExists(cc.configPath) {
		cc.logger.Debugw("No config file found, using defaults", "path", cc.configPath)
		return cc.populateFromViper()
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			configInvalidTitle := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ConfigInvalidTitle",
					Other: "Invalid configuration!",
				},
			})
			configInvalidDescription := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ConfigInvalidDescription",
					Other: "Please make sure {{.FilePath}} is in a valid YAML format.",
				},
				TemplateData: map[string]string{
					"FilePath": cc.configPath,
				},
			})
			cc.notifier.Notify(configInvalidTitle, configInvalidDescription)
		} else {
			configErrorTitle := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ConfigErrorTitle",
					Other: "Error loading configuration!",
				},
			})
			configErrorDescription := localizer.MustLocalize(&i18n.LocalizeConfig{
				DefaultMessage: &i18n.Message{
					ID:    "ConfigErrorDescription",
					Other: "Please check the logs for more details.",
				},
			})
			cc.notifier.Notify(configErrorTitle, configErrorDescription)
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"websocketPort", cc.WebsocketPort,
		"language", cc.Language)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges(localizer *i18n.Localizer) {
	if !util.FileExists(cc.configPath) {
		cc.logger.Debug("No config file to watch, waiting for stop signal")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configPath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				time.Sleep(delayBetweenEventAndReload)

				if err := cc.Load(localizer); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")

					configReloadTitle := localizer.MustLocalize(&i18n.LocalizeConfig{
						DefaultMessage: &i18n.Message{
							ID:    "ConfigReloadTitle",
							Other: "Configuration reloaded!",
						},
					})
					configReloadDescription := localizer.MustLocalize(&i18n.LocalizeConfig{
						DefaultMessage: &i18n.Message{
							ID:    "ConfigReloadDescription",
							Other: "Your changes have been applied.",
						},
					})
					cc.notifier.Notify(configReloadTitle, configReloadDescription)

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *CanonicalConfig) populateFromViper() error {
	cc.WebsocketPort = cc.userConfig.GetInt(configKeyWebsocketPort)
	if cc.WebsocketPort <= 0 || cc.WebsocketPort > 65535 {
		cc.logger.Warnw("Invalid websocket port specified, using default value",
			"key", configKeyWebsocketPort,
			"invalidValue", cc.WebsocketPort,
			"defaultValue", defaultWebsocketPort)

		cc.WebsocketPort = defaultWebsocketPort
	}

	cc.Language = cc.userConfig.GetString(configKeyLanguage)

	cc.logger.Debugw("Populated config fields from viper")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
