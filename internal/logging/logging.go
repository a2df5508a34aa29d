package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"wagercore/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	writerMu sync.RWMutex
	writer   io.Writer = os.Stdout
)

// Init configures the global zerolog logger. When cfg.File is set, output is
// also written to a rotating file. Every entry carries the service and, when
// known, the instance id.
func Init(cfg config.LogConfig) {
	level := zerolog.InfoLevel
	if v := strings.TrimSpace(cfg.Level); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var base io.Writer = os.Stdout
	if cfg.File != "" {
		if fw, err := newRotatingWriter(cfg.File, cfg.MaxMB, cfg.KeepFiles); err == nil {
			base = io.MultiWriter(os.Stdout, fw)
		} else {
			log.Warn().Err(err).Str("path", cfg.File).Msg("log file unavailable; logging to stdout only")
		}
	}
	writerMu.Lock()
	writer = base
	writerMu.Unlock()

	output := base
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: base}
	}

	zerolog.SetGlobalLevel(level)
	lc := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		lc = lc.Str("service", cfg.Service)
	}
	if cfg.Instance != "" {
		lc = lc.Str("instance", cfg.Instance)
	}
	if cfg.Caller {
		lc = lc.Caller()
	}
	logger := lc.Logger()
	if cfg.SampleEvery > 1 {
		logger = logger.Sample(&zerolog.BasicSampler{N: uint32(cfg.SampleEvery)})
	}
	log.Logger = logger
}

// Writer is the raw sink shared with non-zerolog loggers such as the HTTP
// access log.
func Writer() io.Writer {
	writerMu.RLock()
	defer writerMu.RUnlock()
	return writer
}
