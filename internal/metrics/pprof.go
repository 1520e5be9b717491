package metrics

import (
	"os"

	"github.com/grafana/pyroscope-go"

	"streamlease/internal/config"
)

func InitPProf(cfg *config.PyroscopeConfig) (*pyroscope.Profiler, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	host, _ := os.Hostname()
	pTags := map[string]string{
		"env":      cfg.Env,
		"instance": host,
	}

	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            pTags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,

			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,

			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
}
