package app

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

// subsystems are the loggers this module owns; a config reload retunes only
// these so the libp2p levels set by p2p.QuietLogs stay put.
var subsystems = []string{"app", "call", "config", "media", "p2p", "rtc", "signal", "storage", "viewer"}

func logFormat(s string) logging.LogFormat {
	switch s {
	case "json":
		return logging.JSONOutput
	case "plaintext":
		return logging.PlaintextOutput
	default:
		return logging.ColorizedOutput
	}
}

// setupLogging installs the process-wide go-log core and tees every entry,
// as JSON, into a LogBuffer for the viewer's /api/logs.
func setupLogging(c config.Log) (*viewer.LogBuffer, func() error, error) {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	logging.SetupLogging(logging.Config{
		Format: logFormat(c.Format),
		Stderr: true,
		Level:  lvl,
	})
	p2p.QuietLogs()

	buf := viewer.NewLogBuffer(800)
	pr := logging.NewPipeReader(logging.PipeFormat(logging.JSONOutput), logging.PipeLevel(lvl))
	go func() { _ = buf.Follow(pr) }()
	return buf, pr.Close, nil
}

func applyLogLevel(level string) {
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Debugw("set log level", "logger", name, "err", err)
		}
	}
}
