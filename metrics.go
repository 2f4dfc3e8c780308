package torsion

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricPathCreateCount counts paths created through the transport
	// primitive, session-keyed and ephemeral alike.
	MetricPathCreateCount      = []string{"torsion", "path", "create", "count"}
	MetricPathCreateErrorCount = []string{"torsion", "path", "create", "error", "count"}
	MetricPathDestroyCount     = []string{"torsion", "path", "destroy", "count"}
	MetricPathDestroyErrCount  = []string{"torsion", "path", "destroy", "error", "count"}
	MetricPathRotateCount      = []string{"torsion", "path", "rotate", "count"}
	MetricPathActiveCount      = []string{"torsion", "path", "active", "count"}

	MetricExchangeCount      = []string{"torsion", "exchange", "count"}
	MetricExchangeErrorCount = []string{"torsion", "exchange", "error", "count"}
	MetricExchangeInBytes    = []string{"torsion", "exchange", "in", "bytes"}
	MetricExchangeOutBytes   = []string{"torsion", "exchange", "out", "bytes"}

	MetricDispatchCount           = []string{"torsion", "dispatch", "count"}
	MetricDispatchExhaustedCount  = []string{"torsion", "dispatch", "exhausted", "count"}
	MetricDispatchProbeErrorCount = []string{"torsion", "dispatch", "probe", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError   TelemetryLabel = "error"
	LabelKey     TelemetryLabel = "session_key"
	LabelPathID  TelemetryLabel = "path_id"
	LabelHost    TelemetryLabel = "host"
	LabelService TelemetryLabel = "service"
	LabelBackend TelemetryLabel = "backend"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
