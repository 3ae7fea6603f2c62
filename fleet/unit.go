package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/cnelson/go-fleet/fleeterr"
	"github.com/cnelson/go-fleet/unitfile"
)

// unitData is the API's Unit entity.
type unitData struct {
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	Options      []unitfile.Option `json:"options" yaml:"options"`
	DesiredState State             `json:"desiredState,omitempty" yaml:"desiredState,omitempty"`
	CurrentState State             `json:"currentState,omitempty" yaml:"currentState,omitempty"`
	MachineID    string            `json:"machineID,omitempty" yaml:"machineID,omitempty"`
}

// Unit is a systemd unit as fleet sees it. A Unit is either editable,
// built locally with NewUnit and friends, or live, returned by a Client.
//
// Editable units can have their options changed and are submitted with
// Client.CreateUnit. Live units have a name and are bound to the client
// that fetched them: their options are fixed, SetDesiredState round-trips
// to the server and Destroy removes them from the cluster.
type Unit struct {
	mu     sync.Mutex
	client *Client
	data   unitData
}

// NewUnit returns an editable unit. An empty state means StateLaunched.
func NewUnit(state State, options []unitfile.Option) (*Unit, error) {
	if state == "" {
		state = StateLaunched
	}
	if _, err := ParseState(string(state)); err != nil {
		return nil, err
	}
	return &Unit{data: unitData{
		DesiredState: state,
		Options:      append([]unitfile.Option{}, options...),
	}}, nil
}

// UnitFromString returns an editable unit whose options are parsed from
// unit file text.
func UnitFromString(state State, text string) (*Unit, error) {
	opts, err := unitfile.ParseString(text)
	if err != nil {
		return nil, err
	}
	return NewUnit(state, opts)
}

// UnitFromFile returns an editable unit whose options are read from the
// unit file at path.
func UnitFromFile(state State, path string) (*Unit, error) {
	opts, err := unitfile.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return NewUnit(state, opts)
}

func (c *Client) decodeUnit(raw json.RawMessage) (*Unit, error) {
	u := &Unit{client: c}
	if err := json.Unmarshal(raw, &u.data); err != nil {
		return nil, fmt.Errorf("decode unit: %w", err)
	}
	if u.data.Options == nil {
		u.data.Options = []unitfile.Option{}
	}
	return u, nil
}

// isLive requires u.mu.
func (u *Unit) isLive() bool {
	return u.data.Name != "" && u.client != nil
}

// IsLive reports whether the unit came from the server.
func (u *Unit) IsLive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.isLive()
}

// Name is set by the server; editable units have none.
func (u *Unit) Name() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data.Name
}

func (u *Unit) DesiredState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data.DesiredState
}

// CurrentState is empty until the unit has been submitted.
func (u *Unit) CurrentState() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data.CurrentState
}

// MachineID is the machine the unit is scheduled to, if any.
func (u *Unit) MachineID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data.MachineID
}

// Options returns a copy of the unit's options in order.
func (u *Unit) Options() []unitfile.Option {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.data.Options)
}

func (u *Unit) editable() error {
	if u.isLive() {
		return &fleeterr.StateError{Reason: fmt.Sprintf("unit %s is submitted; its options cannot be changed", u.data.Name)}
	}
	return nil
}

// AddOption appends an option, creating the section if needed.
func (u *Unit) AddOption(section, name, value string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.editable(); err != nil {
		return err
	}
	u.data.Options = append(u.data.Options, unitfile.Option{Section: section, Name: name, Value: value})
	return nil
}

// RemoveOption removes every option called name in section and reports
// whether any was removed.
func (u *Unit) RemoveOption(section, name string) (bool, error) {
	return u.removeOptions(func(o unitfile.Option) bool {
		return o.Section == section && o.Name == name
	})
}

// RemoveOptionValue removes the options called name in section whose value
// is value, and reports whether any was removed.
func (u *Unit) RemoveOptionValue(section, name, value string) (bool, error) {
	return u.removeOptions(func(o unitfile.Option) bool {
		return o.Section == section && o.Name == name && o.Value == value
	})
}

func (u *Unit) removeOptions(match func(unitfile.Option) bool) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.editable(); err != nil {
		return false, err
	}
	before := len(u.data.Options)
	u.data.Options = slices.DeleteFunc(u.data.Options, match)
	return len(u.data.Options) < before, nil
}

// SetDesiredState changes the unit's desired state. Editable units are
// updated locally. Live units are updated on the server and then refreshed
// from it; on failure the unit is left unchanged.
func (u *Unit) SetDesiredState(ctx context.Context, state State) error {
	if _, err := ParseState(string(state)); err != nil {
		return err
	}

	u.mu.Lock()
	if !u.isLive() {
		u.data.DesiredState = state
		u.mu.Unlock()
		return nil
	}
	client, name := u.client, u.data.Name
	u.mu.Unlock()

	updated, err := client.SetUnitDesiredState(ctx, name, state)
	if err != nil {
		return err
	}
	data := updated.snapshot()

	u.mu.Lock()
	u.data = data
	u.mu.Unlock()
	return nil
}

// Destroy removes a live unit from the cluster.
func (u *Unit) Destroy(ctx context.Context) error {
	u.mu.Lock()
	live, client, name := u.isLive(), u.client, u.data.Name
	u.mu.Unlock()
	if !live {
		return &fleeterr.StateError{Reason: "a unit must be submitted to fleet before it can be destroyed"}
	}
	return client.DestroyUnit(ctx, name)
}

func (u *Unit) snapshot() unitData {
	u.mu.Lock()
	defer u.mu.Unlock()
	d := u.data
	d.Options = slices.Clone(d.Options)
	return d
}

// String renders the unit's options as unit file text.
func (u *Unit) String() string {
	return unitfile.Serialize(u.Options())
}

// MarshalJSON encodes the unit in the API's Unit shape.
func (u *Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.snapshot())
}

// MarshalYAML encodes the unit in the API's Unit shape.
func (u *Unit) MarshalYAML() (any, error) {
	return u.snapshot(), nil
}

// CreateUnit submits u under name and returns the live unit as stored by
// the server. u itself is not modified.
func (c *Client) CreateUnit(ctx context.Context, name string, u *Unit) (*Unit, error) {
	d := u.snapshot()
	body := unitData{DesiredState: d.DesiredState, Options: d.Options}
	if _, err := c.Call(ctx, "Units.Set", Params{"unitName": name}, body); err != nil {
		return nil, err
	}
	return c.GetUnit(ctx, name)
}

// SetUnitDesiredState changes the desired state of the named unit and
// returns the unit as stored by the server.
func (c *Client) SetUnitDesiredState(ctx context.Context, name string, state State) (*Unit, error) {
	if _, err := ParseState(string(state)); err != nil {
		return nil, err
	}
	body := struct {
		DesiredState State `json:"desiredState"`
	}{state}
	if _, err := c.Call(ctx, "Units.Set", Params{"unitName": name}, body); err != nil {
		return nil, err
	}
	return c.GetUnit(ctx, name)
}

// DestroyUnit removes the named unit from the cluster.
func (c *Client) DestroyUnit(ctx context.Context, name string) error {
	_, err := c.Call(ctx, "Units.Delete", Params{"unitName": name}, nil)
	return err
}

// ListUnits returns every unit in the cluster, following pagination.
func (c *Client) ListUnits(ctx context.Context) ([]*Unit, error) {
	return collect(ctx, c, "Units.List", nil, "units", c.decodeUnit)
}

// GetUnit fetches the named unit. A missing unit is an APIError with code
// 404; see fleeterr.IsNotFound.
func (c *Client) GetUnit(ctx context.Context, name string) (*Unit, error) {
	raw, err := c.Call(ctx, "Units.Get", Params{"unitName": name}, nil)
	if err != nil {
		return nil, err
	}
	return c.decodeUnit(raw)
}
