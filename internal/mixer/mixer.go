// Package mixer is a typed view over the sound card's control plane.
//
// The audio backend supplies raw elements (Port / Elem); this package wraps
// them as integer, boolean and enumerated controls with clamping, cached
// ranges and dB↔raw conversion for gain elements. Values cross the package
// boundary in physical units only: dB for gains, bool for switches, strings
// for enumerations.
package mixer

import (
	"errors"
	"fmt"
)

// Errors reported by the control surface. Element lookup failures during init
// are fatal for the daemon; at runtime they take the supervisor's fault path.
var (
	ErrNotFound    = errors.New("mixer: element not found")
	ErrType        = errors.New("mixer: element has unexpected type")
	ErrNoSuchItem  = errors.New("mixer: no such enumeration item")
	ErrNoDBScale   = errors.New("mixer: element advertises no dB scale")
	ErrShortValues = errors.New("mixer: element carries fewer values than required")
)

// ElemType tags the control variant.
type ElemType int

const (
	TypeInteger ElemType = iota
	TypeBoolean
	TypeEnumerated
)

func (t ElemType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeEnumerated:
		return "enumerated"
	default:
		return "unknown"
	}
}

// Range describes an integer element: raw bounds plus the advertised dB span.
// Step is the raw increment between adjacent writable values.
type Range struct {
	Min, Max, Step int32
	DBMin, DBMax   float64
	HasDB          bool
}

// Info is the one-time description of an element, queried once and cached.
type Info struct {
	Name  string
	Type  ElemType
	Count int // values carried by the element (one per channel)
	Range Range
	Items []string // enumeration item names, TypeEnumerated only
}

// Elem is a single mixer element as exposed by the audio backend. Reads and
// writes move raw values: integer levels, 0/1 for booleans, item indices for
// enumerations.
type Elem interface {
	Info() Info
	Read() ([]int32, error)
	Write(values []int32) error
}

// Port is the control-plane primitive the audio backend provides.
type Port interface {
	Find(name string) (Elem, error)
	Close() error
}

// ---------------------------------------------------------------------------
// Typed controls

// IntControl is an integer-range element with clamping.
type IntControl struct {
	elem Elem
	info Info
}

// NewIntControl wraps elem, verifying its type.
func NewIntControl(elem Elem) (*IntControl, error) {
	info := elem.Info()
	if info.Type != TypeInteger {
		return nil, fmt.Errorf("%w: %s is %s, want integer", ErrType, info.Name, info.Type)
	}
	return &IntControl{elem: elem, info: info}, nil
}

// Info returns the cached element description.
func (c *IntControl) Info() Info { return c.info }

// Raw reads the element's current values.
func (c *IntControl) Raw() ([]int32, error) {
	return c.elem.Read()
}

// Set writes values, clamped to the element's range and aligned down to the
// advertised step.
func (c *IntControl) Set(values []int32) error {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = c.clamp(v)
	}
	if err := c.elem.Write(out); err != nil {
		return fmt.Errorf("writing %s: %w", c.info.Name, err)
	}
	return nil
}

func (c *IntControl) clamp(v int32) int32 {
	r := c.info.Range
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	if r.Step > 1 {
		v = r.Min + (v-r.Min)/r.Step*r.Step
	}
	return v
}

// GainControl is an integer element with a dB scale. Conversion rounds toward
// lower gain on any ambiguity: this surface only ever errs quiet.
type GainControl struct {
	IntControl
}

// NewGainControl wraps elem as a gain control; the element must advertise a
// dB range.
func NewGainControl(elem Elem) (*GainControl, error) {
	base, err := NewIntControl(elem)
	if err != nil {
		return nil, err
	}
	if !base.info.Range.HasDB {
		return nil, fmt.Errorf("%w: %s", ErrNoDBScale, base.info.Name)
	}
	return &GainControl{IntControl: *base}, nil
}

// dbPerStep is the dB increment of one raw step.
func (c *GainControl) dbPerStep() float64 {
	r := c.info.Range
	step := r.Step
	if step < 1 {
		step = 1
	}
	steps := (r.Max - r.Min) / step
	if steps <= 0 {
		return 0
	}
	return (r.DBMax - r.DBMin) / float64(steps)
}

// RawForDB converts a requested gain to the raw value, rounding down so the
// written gain never exceeds the request.
func (c *GainControl) RawForDB(db float64) int32 {
	r := c.info.Range
	if db <= r.DBMin {
		return r.Min
	}
	if db >= r.DBMax {
		return r.Max
	}
	per := c.dbPerStep()
	if per <= 0 {
		return r.Min
	}
	step := r.Step
	if step < 1 {
		step = 1
	}
	n := int32((db - r.DBMin) / per) // truncation toward zero == toward lower gain
	return c.clamp(r.Min + n*step)
}

// DBForRaw converts a raw element value to dB.
func (c *GainControl) DBForRaw(raw int32) float64 {
	r := c.info.Range
	step := r.Step
	if step < 1 {
		step = 1
	}
	return r.DBMin + float64((raw-r.Min)/step)*c.dbPerStep()
}

// SetDB writes the same gain to the given value indices of the element,
// leaving other indices at their current values. Indices beyond the element's
// count report ErrShortValues.
func (c *GainControl) SetDB(db float64, indices []int) error {
	cur, err := c.elem.Read()
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.info.Name, err)
	}
	raw := c.RawForDB(db)
	for _, idx := range indices {
		if idx < 0 || idx >= len(cur) {
			return fmt.Errorf("%w: %s has %d values, index %d requested",
				ErrShortValues, c.info.Name, len(cur), idx)
		}
		cur[idx] = raw
	}
	return c.Set(cur)
}

// DB reads the element's current per-value gains.
func (c *GainControl) DB() ([]float64, error) {
	raw, err := c.elem.Read()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.info.Name, err)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = c.DBForRaw(v)
	}
	return out, nil
}

// SwitchControl is a boolean element.
type SwitchControl struct {
	elem Elem
	info Info
}

// NewSwitchControl wraps elem, verifying its type.
func NewSwitchControl(elem Elem) (*SwitchControl, error) {
	info := elem.Info()
	if info.Type != TypeBoolean {
		return nil, fmt.Errorf("%w: %s is %s, want boolean", ErrType, info.Name, info.Type)
	}
	return &SwitchControl{elem: elem, info: info}, nil
}

// Set writes the same on/off state to every value of the element.
func (c *SwitchControl) Set(on bool) error {
	v := int32(0)
	if on {
		v = 1
	}
	values := make([]int32, c.info.Count)
	for i := range values {
		values[i] = v
	}
	if err := c.elem.Write(values); err != nil {
		return fmt.Errorf("writing %s: %w", c.info.Name, err)
	}
	return nil
}

// On reports true if every value of the element is set.
func (c *SwitchControl) On() (bool, error) {
	values, err := c.elem.Read()
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", c.info.Name, err)
	}
	for _, v := range values {
		if v == 0 {
			return false, nil
		}
	}
	return len(values) > 0, nil
}

// EnumControl is a named-enumeration element.
type EnumControl struct {
	elem Elem
	info Info
}

// NewEnumControl wraps elem, verifying its type.
func NewEnumControl(elem Elem) (*EnumControl, error) {
	info := elem.Info()
	if info.Type != TypeEnumerated {
		return nil, fmt.Errorf("%w: %s is %s, want enumerated", ErrType, info.Name, info.Type)
	}
	return &EnumControl{elem: elem, info: info}, nil
}

// Items returns the enumeration's item names.
func (c *EnumControl) Items() []string { return c.info.Items }

// Current returns the name of the first value's selected item.
func (c *EnumControl) Current() (string, error) {
	values, err := c.elem.Read()
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", c.info.Name, err)
	}
	if len(values) == 0 {
		return "", fmt.Errorf("%w: %s carries no values", ErrShortValues, c.info.Name)
	}
	idx := int(values[0])
	if idx < 0 || idx >= len(c.info.Items) {
		return "", fmt.Errorf("%s reports item %d outside its %d items", c.info.Name, idx, len(c.info.Items))
	}
	return c.info.Items[idx], nil
}

// Select sets every value of the element to the named item.
func (c *EnumControl) Select(item string) error {
	for i, candidate := range c.info.Items {
		if candidate != item {
			continue
		}
		values := make([]int32, c.info.Count)
		for j := range values {
			values[j] = int32(i)
		}
		if err := c.elem.Write(values); err != nil {
			return fmt.Errorf("writing %s: %w", c.info.Name, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s has no item %q", ErrNoSuchItem, c.info.Name, item)
}
