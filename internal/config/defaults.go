package config

const (
	defaultStagingDir = "~/.local/share/verity/staging"
	defaultLogDir     = "~/.local/share/verity/logs"
	defaultDataDir    = "~/.local/share/verity/data"
	defaultAPIBind    = "127.0.0.1:7519"

	defaultFrameCount          = 16
	defaultHighThreshold       = 0.65
	defaultLowThreshold        = 0.35
	defaultTrendWindow         = 5
	defaultPeakThreshold       = 0.1
	defaultMaxInferenceWorkers = 2

	defaultMemoryCeilingMB   = 4096
	defaultLoadRetries       = 3
	defaultLoadBackoffMillis = 500

	defaultQueuePollInterval  = 5
	defaultErrorRetryInterval = 15
	defaultHeartbeatInterval  = 15
	defaultHeartbeatTimeout   = 120

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultNtfyRequestTimeout = 10
)

// Default returns a Config populated with repository defaults. The default
// backbone set mirrors the published detector ensemble; deployments override
// runner commands and weight paths per host.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			DataDir:    defaultDataDir,
			APIBind:    defaultAPIBind,
		},
		Detection: Detection{
			FrameCount:          defaultFrameCount,
			HighThreshold:       defaultHighThreshold,
			LowThreshold:        defaultLowThreshold,
			TrendWindow:         defaultTrendWindow,
			PeakThreshold:       defaultPeakThreshold,
			MaxInferenceWorkers: defaultMaxInferenceWorkers,
		},
		Models: Models{
			MemoryCeilingMB:   defaultMemoryCeilingMB,
			LoadRetries:       defaultLoadRetries,
			LoadBackoffMillis: defaultLoadBackoffMillis,
			Backbones: []Backbone{
				{
					Name:        "convnext-large",
					Runner:      "verity-scorer",
					WeightsPath: "~/.local/share/verity/models/convnext_large.safetensors",
					InputSize:   224,
					FeatureDim:  1536,
					ResidentMB:  800,
					Prior:       0.30,
				},
				{
					Name:        "vit-large",
					Runner:      "verity-scorer",
					WeightsPath: "~/.local/share/verity/models/vit_large.safetensors",
					InputSize:   224,
					FeatureDim:  1024,
					ResidentMB:  1200,
					Prior:       0.25,
				},
				{
					Name:        "swin-large",
					Runner:      "verity-scorer",
					WeightsPath: "~/.local/share/verity/models/swin_large.safetensors",
					InputSize:   224,
					FeatureDim:  1536,
					ResidentMB:  800,
					Prior:       0.25,
				},
				{
					Name:        "xception",
					Runner:      "verity-scorer",
					WeightsPath: "~/.local/share/verity/models/xception.safetensors",
					InputSize:   299,
					FeatureDim:  2048,
					ResidentMB:  350,
					Prior:       0.20,
				},
			},
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
			HeartbeatInterval:  defaultHeartbeatInterval,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNtfyRequestTimeout,
		},
	}
}
