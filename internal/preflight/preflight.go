package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"verity/internal/config"
	"verity/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RunAll executes every preflight check for the given config: directory
// access, external binaries, and backbone weights files.
func RunAll(cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
	}

	for _, status := range deps.Check(cfg) {
		result := Result{Name: status.Name, Passed: status.Available, Detail: status.Command}
		if !status.Available {
			result.Detail = status.Detail
		}
		results = append(results, result)
	}

	results = append(results, checkWeights(cfg)...)
	return results
}

// Failed filters results down to the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, result := range results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}

// CheckDirectoryAccess verifies that the directory exists and is
// readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// checkWeights verifies each configured backbone checkpoint exists. A
// missing file is reported per backbone; the registry will degrade that
// backbone at load time anyway, but flagging it up front saves a sampling
// pass.
func checkWeights(cfg *config.Config) []Result {
	results := make([]Result, 0, len(cfg.Models.Backbones))
	for _, backbone := range cfg.Models.Backbones {
		name := fmt.Sprintf("Weights (%s)", backbone.Name)
		path := strings.TrimSpace(backbone.WeightsPath)
		if path == "" {
			results = append(results, Result{Name: name, Detail: "weights_path not configured"})
			continue
		}
		info, err := os.Stat(path)
		switch {
		case os.IsNotExist(err):
			results = append(results, Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)})
		case err != nil:
			results = append(results, Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)})
		case info.IsDir():
			results = append(results, Result{Name: name, Detail: fmt.Sprintf("%s (error: is a directory)", path)})
		default:
			results = append(results, Result{Name: name, Passed: true, Detail: path})
		}
	}
	return results
}
