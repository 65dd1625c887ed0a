package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "coverage"
)

var (
	Debug                bool = true
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	targetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "targets_total",
		Help:      "Count of executed targets",
	}, []string{
		"run_id",
		"run_type",
		"status",
	})

	runResults = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_results",
		Help:      "Result of coverage pipeline runs",
	}, []string{
		"run_id",
		"result",
	})

	lineCoverageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "line_coverage_ratio",
		Help:      "Fraction of instrumented lines covered",
	}, []string{
		"run_id",
	})

	branchCoverageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "branch_coverage_ratio",
		Help:      "Fraction of observed branch arms covered",
	}, []string{
		"run_id",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of coverage pipeline runs",
	}, []string{
		"run_id",
	})

	uploadAttempts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "upload_attempts",
		Help:      "Number of upload attempts made in the last run",
	}, []string{
		"run_id",
		"outcome",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordTarget(runID string, runType string, status string) {
	if Debug {
		log.Debug("metric inc",
			"m", "targets_total",
			"run_id", runID,
			"run_type", runType,
			"status", status)
	}
	targetsTotal.WithLabelValues(runID, runType, status).Inc()
}

func RecordRun(
	runID string,
	result string,
	lineRate float64,
	branchRate float64,
	duration time.Duration,
) {
	runResults.WithLabelValues(runID, result).Set(1)
	lineCoverageRatio.WithLabelValues(runID).Set(lineRate)
	branchCoverageRatio.WithLabelValues(runID).Set(branchRate)
	runDuration.WithLabelValues(runID).Set(duration.Seconds())
}

func RecordUpload(runID string, success bool, attempts int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	uploadAttempts.WithLabelValues(runID, outcome).Set(float64(attempts))
}
