package v1

import (
	"github.com/icinga/icinga-go-library/types"
)

// Instance is the HA heartbeat row of a running process.
type Instance struct {
	EntityWithoutChecksum `json:",inline"`
	Heartbeat             types.UnixMilli `json:"heartbeat"`
	Responsible           types.Bool      `json:"responsible"`
	Hostname              types.String    `json:"hostname"`
	Version               string          `json:"version"`
}

// TableName implements the database.TableNamer interface.
func (*Instance) TableName() string {
	return "icingastate_instance"
}
