package v1

import (
	"github.com/google/uuid"
	"github.com/icinga/icinga-go-library/types"
	"github.com/icinga/icingastate/pkg/checkable"
)

// AlertHistory is a persisted alert request.
type AlertHistory struct {
	EntityWithoutChecksum `json:",inline"`
	CheckableName         string          `json:"checkable_name"`
	ObjectType            string          `json:"object_type"`
	Type                  string          `json:"type"`
	State                 uint8           `json:"state"`
	Output                types.String    `json:"output"`
	RequestTime           types.UnixMilli `json:"request_time"`
}

// NewAlertHistory converts req into a new row with a random id.
func NewAlertHistory(req checkable.AlertRequest) *AlertHistory {
	id := uuid.New()

	h := &AlertHistory{
		EntityWithoutChecksum: EntityWithoutChecksum{IdMeta: IdMeta{Id: id[:]}},
		CheckableName:         req.CheckableId,
		ObjectType:            string(req.ObjectType),
		Type:                  string(req.Type),
		State:                 uint8(req.State),
		RequestTime:           types.UnixMilli(req.RequestTime),
	}

	if req.CheckResult != nil {
		h.Output = types.MakeString(req.CheckResult.Output)
	}

	return h
}
