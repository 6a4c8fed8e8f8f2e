package routing

import (
	"fmt"
	"log"
	"time"

	"hiveline/internal/config"
)

// NewServer returns the configured engine backend.
func NewServer(cfg config.EngineConfig, loc *time.Location, logger *log.Logger) (Server, error) {
	switch cfg.Backend {
	case OTPBackend:
		return &OTPServer{
			Jar:            cfg.OTPJar,
			DataDir:        cfg.DataDir,
			MemoryGB:       cfg.MemoryGB,
			APITimeout:     cfg.APITimeout,
			StartupTimeout: cfg.StartupTimeout,
			API:            &OTPClient{BaseURL: cfg.BaseURL, Timeout: cfg.ClientTimeout, Location: loc},
			Logger:         logger,
		}, nil
	case BifrostBackend:
		return &BifrostServer{
			Binary:         cfg.BifrostBinary,
			DataDir:        cfg.DataDir,
			Threads:        cfg.Threads,
			StartupTimeout: cfg.StartupTimeout,
			API:            &BifrostClient{BaseURL: cfg.BaseURL, Timeout: cfg.ClientTimeout, Location: loc},
			Logger:         logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown routing backend %q", cfg.Backend)
	}
}
