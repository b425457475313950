package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDetection(); err != nil {
		return err
	}
	if err := c.validateModels(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateDetection() error {
	d := c.Detection
	if d.HighThreshold <= 0 || d.HighThreshold > 1 {
		return errors.New("detection.high_threshold must be in (0, 1]")
	}
	if d.LowThreshold < 0 || d.LowThreshold >= 1 {
		return errors.New("detection.low_threshold must be in [0, 1)")
	}
	if d.LowThreshold >= d.HighThreshold {
		return fmt.Errorf("detection.low_threshold (%.2f) must be below detection.high_threshold (%.2f)", d.LowThreshold, d.HighThreshold)
	}
	if d.FrameCount > 512 {
		return errors.New("detection.frame_count must not exceed 512")
	}
	return nil
}

func (c *Config) validateModels() error {
	if len(c.Models.Backbones) == 0 {
		return errors.New("models.backbones must declare at least one backbone")
	}
	seen := make(map[string]struct{}, len(c.Models.Backbones))
	for _, b := range c.Models.Backbones {
		if b.Name == "" {
			return errors.New("models.backbones entries must have a name")
		}
		key := strings.ToLower(b.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("models.backbones declares %q twice", b.Name)
		}
		seen[key] = struct{}{}
		if b.Runner == "" {
			return fmt.Errorf("backbone %s: runner command must be set", b.Name)
		}
		if b.InputSize <= 0 {
			return fmt.Errorf("backbone %s: input_size must be positive", b.Name)
		}
		if b.FeatureDim <= 0 {
			return fmt.Errorf("backbone %s: feature_dim must be declared (forward-pass probing is not supported)", b.Name)
		}
		if b.ResidentMB <= 0 {
			return fmt.Errorf("backbone %s: resident_mb must be positive", b.Name)
		}
		if b.Prior < 0 {
			return fmt.Errorf("backbone %s: prior must be non-negative", b.Name)
		}
		if b.ResidentMB > c.Models.MemoryCeilingMB {
			return fmt.Errorf("backbone %s: resident_mb %d exceeds models.memory_ceiling_mb %d", b.Name, b.ResidentMB, c.Models.MemoryCeilingMB)
		}
	}
	total := 0.0
	for _, b := range c.Models.Backbones {
		total += b.Prior
	}
	if total <= 0 {
		return errors.New("models.backbones priors must not all be zero")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must exceed workflow.heartbeat_interval")
	}
	return nil
}
