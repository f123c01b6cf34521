package icingaredis

import (
	"context"
	"github.com/icinga/icinga-go-library/redis"
	"github.com/icinga/icingastate/pkg/alerting"
	"github.com/icinga/icingastate/pkg/checkable"
	"strconv"
)

// AlertStreamWriter writes alert requests to AlertStream for consumption by notification components.
type AlertStreamWriter struct {
	redis *redis.Client
}

// NewAlertStreamWriter creates a new AlertStreamWriter.
func NewAlertStreamWriter(redis *redis.Client) *AlertStreamWriter {
	return &AlertStreamWriter{redis: redis}
}

// Deliver implements the [alerting.Subscriber] interface.
func (w *AlertStreamWriter) Deliver(ctx context.Context, req checkable.AlertRequest) error {
	cmd := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: AlertStream,
		MaxLen: 1 << 20,
		Approx: true,
		Values: alertValues(req),
	})
	if _, err := cmd.Result(); err != nil {
		return redis.WrapCmdErr(cmd)
	}

	return nil
}

// alertValues flattens req into the fields of a stream message.
func alertValues(req checkable.AlertRequest) []string {
	values := []string{
		"checkable_id", req.CheckableId,
		"object_type", string(req.ObjectType),
		"type", string(req.Type),
		"state", strconv.FormatUint(uint64(req.State), 10),
		"state_name", req.ObjectType.StateString(req.State),
		"request_time", strconv.FormatInt(req.RequestTime.UnixMilli(), 10),
	}

	if cr := req.CheckResult; cr != nil {
		values = append(values,
			"output", cr.Output,
			"performance_data", cr.PerformanceData,
			"execution_end", strconv.FormatInt(cr.ExecutionEnd.UnixMilli(), 10),
		)
	}

	return values
}

// Assert interface compliance.
var _ alerting.Subscriber = (*AlertStreamWriter)(nil)
