package fleet

import (
	"context"
	"encoding/json"
	"fmt"
)

// UnitState is the systemd state of a unit on the machine it is scheduled
// to, as last reported by that machine.
type UnitState struct {
	Name               string `json:"name" yaml:"name"`
	Hash               string `json:"hash" yaml:"hash"`
	MachineID          string `json:"machineID" yaml:"machineID"`
	SystemdLoadState   string `json:"systemdLoadState" yaml:"systemdLoadState"`
	SystemdActiveState string `json:"systemdActiveState" yaml:"systemdActiveState"`
	SystemdSubState    string `json:"systemdSubState" yaml:"systemdSubState"`
}

// StateFilter narrows ListUnitStates. Empty fields match everything.
type StateFilter struct {
	MachineID string
	UnitName  string
}

func (f StateFilter) params() Params {
	p := Params{}
	if f.MachineID != "" {
		p["machineID"] = f.MachineID
	}
	if f.UnitName != "" {
		p["unitName"] = f.UnitName
	}
	return p
}

func decodeUnitState(raw json.RawMessage) (UnitState, error) {
	var s UnitState
	if err := json.Unmarshal(raw, &s); err != nil {
		return UnitState{}, fmt.Errorf("decode unit state: %w", err)
	}
	return s, nil
}

// ListUnitStates returns the unit states matching filter, following
// pagination.
func (c *Client) ListUnitStates(ctx context.Context, filter StateFilter) ([]UnitState, error) {
	return collect(ctx, c, "UnitState.List", filter.params(), "states", decodeUnitState)
}
