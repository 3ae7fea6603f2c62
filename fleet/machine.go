package fleet

import (
	"context"
	"encoding/json"
	"fmt"
)

// Machine is a host participating in the fleet cluster.
type Machine struct {
	ID        string            `json:"id" yaml:"id"`
	PrimaryIP string            `json:"primaryIP" yaml:"primaryIP"`
	Metadata  map[string]string `json:"metadata" yaml:"metadata"`
}

func decodeMachine(raw json.RawMessage) (Machine, error) {
	var m Machine
	if err := json.Unmarshal(raw, &m); err != nil {
		return Machine{}, fmt.Errorf("decode machine: %w", err)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	return m, nil
}

// ListMachines returns every machine in the cluster, following pagination.
func (c *Client) ListMachines(ctx context.Context) ([]Machine, error) {
	return collect(ctx, c, "Machines.List", nil, "machines", decodeMachine)
}
