package eval

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Reporter formats and outputs evaluation results.
type Reporter struct {
	writer io.Writer
}

// NewReporter creates a new reporter that writes to the given writer.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{writer: w}
}

// PrintSummary prints a human-readable summary of results.
func (r *Reporter) PrintSummary(result *EvalResult) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           SoundGraph Clustering Evaluation Results             ║")
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "📊 Suite: %s\n", result.SuiteName)
	fmt.Fprintf(w, "📅 Time:  %s\n", result.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "⏱️  Duration: %v\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	passRate := 0.0
	if result.TotalTests > 0 {
		passRate = float64(result.PassedTests) / float64(result.TotalTests) * 100
	}
	statusIcon := "✅"
	if result.FailedTests > 0 {
		statusIcon = "⚠️"
	}
	if passRate < 50 {
		statusIcon = "❌"
	}

	fmt.Fprintf(w, "%s Tests: %d/%d passed (%.1f%%)\n",
		statusIcon, result.PassedTests, result.TotalTests, passRate)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Aggregate Metrics                           │")
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	r.printMetricRow(w, "Modularity", result.Aggregate.Modularity, result.Thresholds.Modularity)
	r.printMetricRow(w, "Intra ratio", result.Aggregate.AverageIntraRatio, -1)
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	r.printMetricRow(w, "Rand index", result.Aggregate.RandIndex, result.Thresholds.RandIndex)
	r.printMetricRow(w, "Purity", result.Aggregate.Purity, result.Thresholds.Purity)
	r.printMetricRow(w, "Coverage", result.Aggregate.Coverage, -1)
	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
	fmt.Fprintln(w)
}

// PrintOutcome prints the quality report of a single clustering run.
func (r *Reporter) PrintOutcome(o *Outcome) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintf(w, "🔗 Communities: %d\n", len(o.Communities))
	if o.Modularity != nil {
		fmt.Fprintf(w, "📈 Modularity:  %.3f\n", *o.Modularity)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Communities                                 │")
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	for i, members := range o.Communities {
		ratio := 0.0
		if i < len(o.IntraRatios) {
			ratio = o.IntraRatios[i]
		}
		r.printMetricRow(w, fmt.Sprintf("#%d (%d)", i, len(members)), ratio, -1)
	}
	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")

	if ext := o.External; ext != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Reference sample: %d sounds\n", ext.Samples)
		fmt.Fprintf(w, "   AMI: %s | Silhouette: %s | Calinski-Harabasz: %s\n",
			formatOptional(ext.AverageMutualInformation),
			formatOptional(ext.Silhouette),
			formatOptional(ext.CalinskiHarabasz))
	}
	fmt.Fprintln(w)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", *v)
}

// printMetricRow prints a single metric row with optional threshold comparison.
func (r *Reporter) printMetricRow(w io.Writer, name string, value float64, threshold float64) {
	bar := r.progressBar(value, 20)
	status := " "
	if threshold >= 0 {
		if value >= threshold {
			status = "✓"
		} else {
			status = "✗"
		}
	}

	threshStr := ""
	if threshold >= 0 {
		threshStr = fmt.Sprintf(" (target: %.2f)", threshold)
	}

	fmt.Fprintf(w, "│ %s %-14s %s %.3f%s\n", status, name, bar, value, threshStr)
}

// progressBar creates a visual progress bar.
func (r *Reporter) progressBar(value float64, width int) string {
	filled := int(value * float64(width))
	filled = min(max(filled, 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// PrintDetails prints detailed per-test results.
func (r *Reporter) PrintDetails(result *EvalResult) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Per-Test Results                            │")
	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
	fmt.Fprintln(w)

	for i, tr := range result.Results {
		status := "✅"
		if tr.Error != "" {
			status = "❌"
		} else if tr.Metrics.Communities == 0 {
			status = "⚠️"
		}

		fmt.Fprintf(w, "%s Test %d: %s\n", status, i+1, truncate(tr.TestCase.Name, 50))
		fmt.Fprintf(w, "   Sounds: %d | Duration: %v\n", len(tr.TestCase.SoundIDs), tr.Duration.Round(time.Microsecond))

		if tr.Error != "" {
			fmt.Fprintf(w, "   Error: %s\n", tr.Error)
		} else {
			fmt.Fprintf(w, "   Q: %.2f | Rand: %.2f | Purity: %.2f | Coverage: %.2f\n",
				tr.Metrics.Modularity, tr.Metrics.RandIndex, tr.Metrics.Purity, tr.Metrics.Coverage)
			fmt.Fprintf(w, "   Expected groups: %d | Communities: %.0f\n",
				len(tr.TestCase.Expected), tr.Metrics.Communities)
		}
		fmt.Fprintln(w)
	}
}

// PrintJSON outputs results as JSON.
func (r *Reporter) PrintJSON(v any) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// SaveJSON saves results to a JSON file.
func (r *Reporter) SaveJSON(v any, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// PrintCompact prints a one-line summary.
func (r *Reporter) PrintCompact(result *EvalResult) {
	status := "PASS"
	if result.FailedTests > 0 {
		status = "FAIL"
	}

	fmt.Fprintf(r.writer, "[%s] %d/%d tests | Q=%.2f Rand=%.2f Purity=%.2f Coverage=%.2f | %v\n",
		status,
		result.PassedTests, result.TotalTests,
		result.Aggregate.Modularity,
		result.Aggregate.RandIndex,
		result.Aggregate.Purity,
		result.Aggregate.Coverage,
		result.Duration.Round(time.Millisecond),
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
