package observability

import (
	"testing"
	"time"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordI2CTransaction(3, true, 2*time.Millisecond)
	RecordI2CTransaction(10, false, 600*time.Millisecond)
	RecordUARTCommand('v', true, 4*time.Millisecond)
	RecordTelemetryFrame("imu")
	RecordRPCInvoke(true, 12*time.Millisecond)
	RecordPublish("telemetry/voltages", 2)
}
