package config

const (
	defaultDataDir               = "~/.local/share/assay/data"
	defaultLogDir                = "~/.local/share/assay/logs"
	defaultRuntimeDir            = "~/.local/share/assay/run"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultWorkerPollIntervalMS  = 250
	defaultReceivedQueueCapacity = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			LogDir:     defaultLogDir,
			RuntimeDir: defaultRuntimeDir,
		},
		Workers: Workers{
			PollIntervalMS:        defaultWorkerPollIntervalMS,
			ReceivedQueueCapacity: defaultReceivedQueueCapacity,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
