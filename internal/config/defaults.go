package config

const (
	defaultConfigPath          = "~/.config/tracklift/config.toml"
	defaultStateDir            = "~/.local/share/tracklift"
	defaultLogDir              = "~/.local/share/tracklift/logs"
	defaultLockPath            = "~/.local/share/tracklift/recorder.lock"
	defaultDiscDevice          = "/dev/sr0"
	defaultReadRetries         = 8
	defaultRetryBackoffMillis  = 50
	defaultMaxBackoffMillis    = 2000
	defaultReadTimeoutMillis   = 10000
	defaultSectorsPerBlock     = 75
	defaultFatalLeadSectors    = 150
	defaultReadyTimeoutSeconds = 60
	defaultVendorID            = "054c"
	defaultProductID           = "0286"
	defaultHandshakeMillis     = 5000
	defaultCommandMillis       = 5000
	defaultFrameMillis         = 2000
	defaultFrameRetries        = 5
	defaultAckMode             = AckModeFrame
	defaultAckBatch            = 8
	defaultWaitTimeoutSeconds  = 120
	defaultProfile             = "sp"
	defaultQueueDepth          = 8
	defaultProgressBucket      = 5
	defaultHandoffSeconds      = 300
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultAPIBind             = "127.0.0.1:7490"
	defaultNotifyTimeout       = 10
)

const (
	// AckModeFrame requests an acknowledgement for every data frame.
	AckModeFrame = "frame"
	// AckModeBatch requests an acknowledgement every ack_batch frames.
	AckModeBatch = "batch"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			LockPath: defaultLockPath,
		},
		Disc: Disc{
			Device:              defaultDiscDevice,
			Verify:              true,
			ReadRetries:         defaultReadRetries,
			RetryBackoffMillis:  defaultRetryBackoffMillis,
			MaxBackoffMillis:    defaultMaxBackoffMillis,
			ReadTimeoutMillis:   defaultReadTimeoutMillis,
			SectorsPerBlock:     defaultSectorsPerBlock,
			FatalLeadSectors:    defaultFatalLeadSectors,
			ReadyTimeoutSeconds: defaultReadyTimeoutSeconds,
		},
		Device: Device{
			VendorID:               defaultVendorID,
			ProductID:              defaultProductID,
			HandshakeTimeoutMillis: defaultHandshakeMillis,
			CommandTimeoutMillis:   defaultCommandMillis,
			FrameTimeoutMillis:     defaultFrameMillis,
			FrameRetries:           defaultFrameRetries,
			AckMode:                defaultAckMode,
			AckBatch:               defaultAckBatch,
			WaitTimeoutSeconds:     defaultWaitTimeoutSeconds,
		},
		Encoding: Encoding{
			Profile: defaultProfile,
		},
		Pipeline: Pipeline{
			QueueDepth:            defaultQueueDepth,
			ProgressBucket:        defaultProgressBucket,
			HandoffTimeoutSeconds: defaultHandoffSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Notify: Notify{
			RequestTimeoutSeconds: defaultNotifyTimeout,
		},
	}
}
