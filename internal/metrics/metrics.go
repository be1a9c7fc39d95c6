package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Metrics names.
	MetricNameBuildInfo        = "cbm_build_info"
	MetricNameErrors           = "cbm_errors_total"
	MetricNamePhase            = "cbm_migration_phase"
	MetricNameProbes           = "cbm_probes_total"
	MetricNameFixtures         = "cbm_fixtures_total"
	MetricNameWaitDuration     = "cbm_wait_duration_seconds"
	MetricNameBuildDuration    = "cbm_build_duration_seconds"
	MetricNameTransactions     = "cbm_transactions_total"
	MetricNameObservedSlot     = "cbm_observed_slot"
	MetricNameSubprocessErrors = "cbm_subprocess_errors_total"

	// Labels.
	LabelVersion   = "version"
	LabelCommit    = "commit"
	LabelDate      = "date"
	LabelErrorType = "error_type"
	LabelProgram   = "program"
	LabelProbe     = "probe"
	LabelResult    = "result"
	LabelMode      = "mode"
	LabelWait      = "wait"
	LabelCommand   = "command"

	// Error types.
	ErrorTypeBootstrap    = "bootstrap"
	ErrorTypeAssertion    = "assertion"
	ErrorTypeProbe        = "probe"
	ErrorTypeConformance  = "conformance"
	ErrorTypeRPC          = "rpc"
	ErrorTypeEnvironment  = "environment"
	ErrorTypeBuild        = "build"
	ErrorTypeCloneELF     = "clone_elf"
	ErrorTypeUnclassified = "unclassified"

	// Results.
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultSkipped = "skipped"

	// Waits.
	WaitSlot  = "slot"
	WaitEpoch = "epoch"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the migration harness",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameErrors,
			Help: "Number of errors encountered",
		},
		[]string{LabelErrorType},
	)

	Phase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNamePhase,
			Help: "Last observed migration phase of a program (0 before migration, 1 staged, 2 after migration)",
		},
		[]string{LabelProgram},
	)

	Probes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameProbes,
			Help: "Number of functional probes run, by result",
		},
		[]string{LabelProbe, LabelResult},
	)

	Fixtures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFixtures,
			Help: "Number of fixtures replayed, by replay mode and result",
		},
		[]string{LabelProgram, LabelMode, LabelResult},
	)

	WaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameWaitDuration,
			Help:    "Time spent waiting for slot and epoch transitions",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{LabelWait},
	)

	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameBuildDuration,
			Help:    "Time spent building conformance targets and programs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{LabelMode},
	)

	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameTransactions,
			Help: "Number of transactions submitted, by result",
		},
		[]string{LabelResult},
	)

	ObservedSlot = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameObservedSlot,
			Help: "Most recent slot observed on the test cluster",
		},
	)

	SubprocessErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSubprocessErrors,
			Help: "Number of external commands that exited with an error",
		},
		[]string{LabelCommand},
	)
)
