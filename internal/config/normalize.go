package config

import (
	"fmt"
	"strings"
)

// normalize expands paths and fills zero values with defaults so the rest of
// the codebase never re-checks them.
func (c *Config) normalize() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("normalize staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("normalize log_dir: %w", err)
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("normalize data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		c.Paths.APIBind = defaultAPIBind
	}

	if c.Detection.FrameCount <= 0 {
		c.Detection.FrameCount = defaultFrameCount
	}
	if c.Detection.TrendWindow <= 0 {
		c.Detection.TrendWindow = defaultTrendWindow
	}
	if c.Detection.PeakThreshold <= 0 {
		c.Detection.PeakThreshold = defaultPeakThreshold
	}
	if c.Detection.MaxInferenceWorkers <= 0 {
		c.Detection.MaxInferenceWorkers = defaultMaxInferenceWorkers
	}

	if c.Models.MemoryCeilingMB <= 0 {
		c.Models.MemoryCeilingMB = defaultMemoryCeilingMB
	}
	if c.Models.LoadRetries <= 0 {
		c.Models.LoadRetries = defaultLoadRetries
	}
	if c.Models.LoadBackoffMillis <= 0 {
		c.Models.LoadBackoffMillis = defaultLoadBackoffMillis
	}
	for i := range c.Models.Backbones {
		b := &c.Models.Backbones[i]
		b.Name = strings.TrimSpace(b.Name)
		b.Runner = strings.TrimSpace(b.Runner)
		if b.WeightsPath, err = expandPath(b.WeightsPath); err != nil {
			return fmt.Errorf("normalize weights_path for %s: %w", b.Name, err)
		}
	}

	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		c.Workflow.HeartbeatTimeout = defaultHeartbeatTimeout
	}

	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNtfyRequestTimeout
	}
	return nil
}
