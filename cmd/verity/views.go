package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"verity/internal/analytics"
	"verity/internal/detector"
	"verity/internal/fusion"
)

var titleCaser = cases.Title(language.Und)

// statusLabel renders a queue status for table output.
func statusLabel(status string) string {
	return titleCaser.String(strings.TrimSpace(status))
}

// stageLabel renders a progress stage such as "inferring:convnext" as
// "Inferring (convnext)".
func stageLabel(stage string) string {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return ""
	}
	name, detail, found := strings.Cut(stage, ":")
	label := titleCaser.String(strings.ReplaceAll(name, "_", " "))
	if found && detail != "" {
		return fmt.Sprintf("%s (%s)", label, detail)
	}
	return label
}

// formatWhen renders an RFC3339 timestamp as a relative time.
func formatWhen(value string) string {
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return value
	}
	return humanize.Time(parsed)
}

func verdictKind(verdict fusion.Verdict) statusKind {
	switch verdict {
	case fusion.VerdictFake:
		return statusError
	case fusion.VerdictReal:
		return statusOK
	default:
		return statusWarn
	}
}

// printResult renders a stored detection result: verdict, per-backbone
// contribution table, and the descriptive statistics block.
func printResult(out io.Writer, result detector.Result, colorize bool) {
	for _, line := range renderSectionHeader("Verdict", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Verdict", verdictKind(result.Verdict), string(result.Verdict), colorize))
	fmt.Fprintln(out, renderStatusLine("Probability", statusInfo, fmt.Sprintf("%.3f", result.VideoProbability), colorize))
	fmt.Fprintln(out, renderStatusLine("Frames", statusInfo,
		fmt.Sprintf("%d sampled of %d total", result.SampledFrames, result.TotalFrames), colorize))
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Backbones", colorize) {
		fmt.Fprintln(out, line)
	}
	rows := make([][]string, 0, len(result.PerBackbone))
	for _, report := range result.PerBackbone {
		detail := report.Error
		if report.Ready {
			detail = ""
		}
		rows = append(rows, []string{
			report.Name,
			yesNo(report.Ready),
			fmt.Sprintf("%.3f", report.Weight),
			fmt.Sprintf("%d", report.FramesUsed),
			fmt.Sprintf("%dms", report.LoadMS),
			fmt.Sprintf("%dms", report.InferMS),
			detail,
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Name", "Ready", "Weight", "Frames", "Load", "Infer", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	fmt.Fprintln(out)

	stats := result.Statistics
	for _, line := range renderSectionHeader("Confidence", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Mean", statusInfo, fmt.Sprintf("%.3f", stats.Mean), colorize))
	fmt.Fprintln(out, renderStatusLine("Median", statusInfo, fmt.Sprintf("%.3f", stats.Median), colorize))
	fmt.Fprintln(out, renderStatusLine("Std deviation", statusInfo, fmt.Sprintf("%.3f", stats.StdDev), colorize))
	fmt.Fprintln(out, renderStatusLine("Range", statusInfo,
		fmt.Sprintf("%.3f (%.3f to %.3f)", stats.Range, stats.Min, stats.Max), colorize))
	fmt.Fprintln(out, renderStatusLine("Trend", statusInfo, string(stats.Trend), colorize))
	fmt.Fprintln(out, renderStatusLine("Distribution", statusInfo,
		fmt.Sprintf("low %d, medium %d, high %d, critical %d",
			stats.Distribution.Low, stats.Distribution.Medium,
			stats.Distribution.High, stats.Distribution.Critical), colorize))
	if len(stats.Peaks) > 0 {
		fmt.Fprintln(out, renderStatusLine("Peaks", statusInfo, extremaSummary(stats.Peaks), colorize))
	}
	if len(stats.Valleys) > 0 {
		fmt.Fprintln(out, renderStatusLine("Valleys", statusInfo, extremaSummary(stats.Valleys), colorize))
	}
}

func extremaSummary(points []analytics.Extremum) string {
	parts := make([]string, 0, len(points))
	for _, point := range points {
		parts = append(parts, fmt.Sprintf("frame %d (%.3f)", point.Frame, point.Value))
	}
	return strings.Join(parts, ", ")
}
