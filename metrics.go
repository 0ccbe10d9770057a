package tipc

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSocketOpenCount      = []string{"tipc", "socket", "open", "count"}
	MetricSocketOpenErrorCount = []string{"tipc", "socket", "open", "error", "count"}
	MetricSocketCloseCount     = []string{"tipc", "socket", "close", "count"}
	MetricSocketOutBytes       = []string{"tipc", "socket", "out", "bytes"}
	MetricSocketOutErrorCount  = []string{"tipc", "socket", "out", "error", "count"}
	MetricSocketInBytes        = []string{"tipc", "socket", "in", "bytes"}
	MetricSocketRejectedCount  = []string{"tipc", "socket", "rejected", "count"}

	MetricSetupCount      = []string{"tipc", "setup", "count"}
	MetricSetupErrorCount = []string{"tipc", "setup", "error", "count"}

	// MetricGroupDeliveredCount counts messages handed to the application
	// in sequence order.
	MetricGroupDeliveredCount = []string{"tipc", "group", "delivered", "count"}
	MetricGroupDuplicateCount = []string{"tipc", "group", "duplicate", "count"}
	MetricGroupDiscardedCount = []string{"tipc", "group", "discarded", "count"}
	// MetricGroupResentCount counts messages sent again after an
	// overloaded member returned them.
	MetricGroupResentCount     = []string{"tipc", "group", "resent", "count"}
	MetricGroupMemberUpCount   = []string{"tipc", "group", "member", "up", "count"}
	MetricGroupMemberDownCount = []string{"tipc", "group", "member", "down", "count"}

	MetricTopologyEventCount     = []string{"tipc", "topology", "event", "count"}
	MetricTopologyReconnectCount = []string{"tipc", "topology", "reconnect", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelSocket      TelemetryLabel = "socket"
	LabelSocketKind  TelemetryLabel = "socket_kind"
	LabelPeer        TelemetryLabel = "peer"
	LabelDestination TelemetryLabel = "destination"
	LabelSetupStyle  TelemetryLabel = "setup_style"
	LabelSendMode    TelemetryLabel = "send_mode"
	LabelReason      TelemetryLabel = "reason"
	LabelMember      TelemetryLabel = "member"
	LabelService     TelemetryLabel = "service"
	LabelEvent       TelemetryLabel = "event"
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

// withLabels returns a fresh slice, so callers never alias the static
// labels of the configuration.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
