package main

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/archlab/labrunner/option"
	"github.com/archlab/labrunner/worker"
)

const (
	metricsNamespace = "labrunner"
)

var (
	// 100ms -> 1h
	timeBuckets = []float64{
		0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200, 2400, 3600,
	}

	metricsSummaryQuantile = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

	runErrorCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "error",
		Help:      "Number of run-job requests returning an error",
	}, []string{"reason"})

	runCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "runs_total",
		Help:      "Number of graded submissions by status",
	}, []string{"status"})

	runTimeHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "time_seconds",
		Help:      "Histogram for the grading time",
		Buckets:   timeBuckets,
	}, []string{"status"})

	runTimeSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  metricsNamespace,
		Name:       "time",
		Help:       "Summary for the grading time",
		Objectives: metricsSummaryQuantile,
	}, []string{"status"})

	figureMissingCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "figure_missing",
		Help:      "Number of figures of merit which could not be derived",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(runErrorCount, runCount)
	prometheus.MustRegister(runTimeHist, runTimeSummary)
	prometheus.MustRegister(figureMissingCount)
}

func execObserve(res worker.Response) {
	if res.Error != nil {
		reason := "internal"
		var oe *option.InvalidOptionError
		if errors.As(res.Error, &oe) {
			reason = "invalid_option"
		}
		runErrorCount.WithLabelValues(reason).Inc()
		return
	}
	if res.Result == nil {
		return
	}
	status := res.Result.Status.String()
	ob := res.Time.Seconds()
	runCount.WithLabelValues(status).Inc()
	runTimeHist.WithLabelValues(status).Observe(ob)
	runTimeSummary.WithLabelValues(status).Observe(ob)
	for _, f := range res.Result.FiguresOfMerit {
		if f.Value == nil {
			figureMissingCount.WithLabelValues(f.Name).Inc()
		}
	}
}
