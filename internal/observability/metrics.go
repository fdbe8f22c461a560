package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	i2cTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "i2c",
			Name:      "transactions_total",
			Help:      "Integrity-checked I2C transactions.",
		},
		[]string{"success"},
	)
	i2cAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "i2c",
			Name:      "transaction_attempts",
			Help:      "Attempts consumed per I2C transaction.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		},
		[]string{"success"},
	)
	i2cDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "i2c",
			Name:      "transaction_duration_seconds",
			Help:      "I2C transaction duration including retries.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	uartCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "uart",
			Name:      "commands_total",
			Help:      "Correlated UART commands submitted.",
		},
		[]string{"cmd", "success"},
	)
	uartCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "uart",
			Name:      "command_duration_seconds",
			Help:      "UART command round-trip duration including retries.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)
	uartTelemetryFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "uart",
			Name:      "telemetry_frames_total",
			Help:      "Unsolicited telemetry frames by stream.",
		},
		[]string{"stream"},
	)
	rpcInvokes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "rpc",
			Name:      "invokes_total",
			Help:      "RPC invocations dispatched.",
		},
		[]string{"success"},
	)
	rpcInvokeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "rpc",
			Name:      "invoke_duration_seconds",
			Help:      "RPC invocation duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	pubsubPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "roverlink",
			Subsystem: "pubsub",
			Name:      "publishes_total",
			Help:      "Pub/sub fan-outs by channel.",
		},
		[]string{"channel"},
	)
	pubsubReceivers = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roverlink",
			Subsystem: "pubsub",
			Name:      "publish_receivers",
			Help:      "Subscribed connections reached per publish.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25},
		},
		[]string{"channel"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			i2cTransactions, i2cAttempts, i2cDuration,
			uartCommands, uartCommandDuration, uartTelemetryFrames,
			rpcInvokes, rpcInvokeDuration,
			pubsubPublishes, pubsubReceivers,
		)
	})
}

func RecordI2CTransaction(attempts int, success bool, duration time.Duration) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	i2cTransactions.WithLabelValues(successLabel).Inc()
	i2cAttempts.WithLabelValues(successLabel).Observe(float64(attempts))
	i2cDuration.Observe(duration.Seconds())
}

func RecordUARTCommand(cmd byte, success bool, duration time.Duration) {
	RegisterMetrics()
	cmdLabel := strconv.Itoa(int(cmd))
	uartCommands.WithLabelValues(cmdLabel, strconv.FormatBool(success)).Inc()
	uartCommandDuration.WithLabelValues(cmdLabel).Observe(duration.Seconds())
}

func RecordTelemetryFrame(stream string) {
	RegisterMetrics()
	uartTelemetryFrames.WithLabelValues(stream).Inc()
}

func RecordRPCInvoke(success bool, duration time.Duration) {
	RegisterMetrics()
	rpcInvokes.WithLabelValues(strconv.FormatBool(success)).Inc()
	rpcInvokeDuration.Observe(duration.Seconds())
}

func RecordPublish(channel string, receivers int) {
	RegisterMetrics()
	pubsubPublishes.WithLabelValues(channel).Inc()
	pubsubReceivers.WithLabelValues(channel).Observe(float64(receivers))
}
