// Package detector implements the pipeline stages that take a queued video
// from sampled frames to a fused verdict.
package detector
