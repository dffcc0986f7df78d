package panel

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lavoca/soundpanel/pkg/panel/util"
)

const (
	logDirectory = "logs"
	logFilename  = "soundpanel.log"
)

// NewLogger provides a logger instance for the whole program: a plain console
// stream plus a log file next to the executable
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if verbose {
		loggerConfig = zap.NewDevelopmentConfig()
	} else {
		loggerConfig = zap.NewProductionConfig()
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		loggerConfig.Encoding = "console"
	}

	ex, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable dir: %w", err)
	}

	logDirectoryPath := filepath.Join(filepath.Dir(ex), logDirectory)

	if err := util.EnsureDirExists(logDirectoryPath); err != nil {
		return nil, fmt.Errorf("ensure log directory exists: %w", err)
	}

	loggerConfig.OutputPaths = []string{
		"stderr",
		filepath.Join(logDirectoryPath, logFilename),
	}

	// all logging timestamps are in a human-readable format
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger.Sugar(), nil
}
