// Package calibration maps read and write commands to board channels and
// turns raw channel values into display text.
package calibration

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Mode selects which board query answers a read command.
type Mode int

const (
	// Processed reads the board's ratiometric-processed sensor value.
	Processed Mode = iota
	// Raw reads the unprocessed ADC value.
	Raw
	// OutputState reads a digital output.
	OutputState
)

func (m Mode) String() string {
	switch m {
	case Processed:
		return "processed"
	case Raw:
		return "raw"
	case OutputState:
		return "output"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Command is a read command accepted by the get_data endpoint.
type Command int

const (
	Humidity Command = iota
	Temp
	Light
	Sound
	OutputLight1
	numCommands
)

var commandNames = [numCommands]string{
	Humidity:     "humidity",
	Temp:         "temp",
	Light:        "light",
	Sound:        "sound",
	OutputLight1: "output_light1",
}

func (c Command) String() string {
	if c >= 0 && c < numCommands {
		return commandNames[c]
	}
	return "command(" + strconv.Itoa(int(c)) + ")"
}

// Action is a write command accepted by the send_message endpoint.
type Action int

const (
	Light1On Action = iota
	Light1Off
	numActions
)

var actionNames = [numActions]string{
	Light1On:  "light1On",
	Light1Off: "light1Off",
}

func (a Action) String() string {
	if a >= 0 && a < numActions {
		return actionNames[a]
	}
	return "action(" + strconv.Itoa(int(a)) + ")"
}

// Linear converts a raw reading as value = (raw / Divisor) * Scale + Offset.
type Linear struct {
	Divisor float64
	Scale   float64
	Offset  float64
}

func (l Linear) Apply(raw int) float64 {
	return float64(raw)/l.Divisor*l.Scale + l.Offset
}

// Descriptor describes how one read command is answered.
type Descriptor struct {
	Command   Command
	Index     int
	Mode      Mode
	Linear    Linear
	Precision int
	Unit      string
}

// Name is the query token for the command.
func (d Descriptor) Name() string {
	return d.Command.String()
}

// Format renders a channel value rounded half away from zero to the
// descriptor's precision. Output channels render as On or Off.
func (d Descriptor) Format(raw int) string {
	if d.Mode == OutputState {
		return FormatState(raw != 0)
	}
	p := math.Pow10(d.Precision)
	v := math.Round(d.Linear.Apply(raw)*p) / p
	if v == 0 {
		// drop the sign of -0
		v = 0
	}
	return strconv.FormatFloat(v, 'f', d.Precision, 64) + " " + d.Unit
}

const (
	On  = "On"
	Off = "Off"
)

func FormatState(on bool) string {
	if on {
		return On
	}
	return Off
}

// Switch describes the output change a write command performs.
type Switch struct {
	Action Action
	Index  int
	State  bool
}

func (s Switch) Name() string {
	return s.Action.String()
}

// Override replaces parts of a built-in read descriptor. Nil fields keep the default.
type Override struct {
	Index  *int     `json:"index,omitempty"`
	Scale  *float64 `json:"scale,omitempty"`
	Offset *float64 `json:"offset,omitempty"`
}

// defaults reproduces the board's factory fit for the installed sensors.
func defaults() [numCommands]Descriptor {
	return [numCommands]Descriptor{
		Humidity: {
			Command: Humidity, Index: 1, Mode: Processed,
			Linear:    Linear{Divisor: 1, Scale: 0.1906, Offset: -40.2},
			Precision: 0, Unit: "%",
		},
		Temp: {
			Command: Temp, Index: 0, Mode: Processed,
			Linear:    Linear{Divisor: 1, Scale: 0.22222, Offset: -61.11},
			Precision: 1, Unit: "˚C",
		},
		Light: {
			Command: Light, Index: 2, Mode: Raw,
			Linear:    Linear{Divisor: 4.095, Scale: 1.478777, Offset: 33.67076},
			Precision: 0, Unit: "lux",
		},
		Sound: {
			Command: Sound, Index: 3, Mode: Raw,
			Linear:    Linear{Divisor: 4.095, Scale: 1, Offset: 0},
			Precision: 1, Unit: "dB",
		},
		OutputLight1: {
			Command: OutputLight1, Index: 0, Mode: OutputState,
		},
	}
}

// switchOutputs ties each write action to the read command sharing its output.
var switchOutputs = [numActions]struct {
	output Command
	state  bool
}{
	Light1On:  {OutputLight1, true},
	Light1Off: {OutputLight1, false},
}

// Table is the immutable command table. It is safe for concurrent use.
type Table struct {
	reads    [numCommands]Descriptor
	byName   map[string]Command
	byAction map[string]Action
}

// Default returns the table with no overrides applied.
func Default() *Table {
	t, _ := New(nil)
	return t
}

// New builds the table from the built-in descriptors plus overrides keyed by
// read command name.
func New(overrides map[string]Override) (*Table, error) {
	t := &Table{
		reads:    defaults(),
		byName:   make(map[string]Command, numCommands),
		byAction: make(map[string]Action, numActions),
	}
	for c := Command(0); c < numCommands; c++ {
		t.byName[commandNames[c]] = c
	}
	for a := Action(0); a < numActions; a++ {
		t.byAction[actionNames[a]] = a
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var unknown []string
	for _, name := range names {
		c, ok := t.byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		o := overrides[name]
		d := &t.reads[c]
		if o.Index != nil {
			if *o.Index < 0 {
				return nil, fmt.Errorf("calibration %q: negative channel index %d", name, *o.Index)
			}
			d.Index = *o.Index
		}
		if o.Scale != nil {
			d.Linear.Scale = *o.Scale
		}
		if o.Offset != nil {
			d.Linear.Offset = *o.Offset
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("calibration overrides for unknown channels: %s", strings.Join(unknown, ", "))
	}
	return t, nil
}

// Resolve looks up a read command by its exact, case-sensitive token.
func (t *Table) Resolve(token string) (Descriptor, bool) {
	c, ok := t.byName[token]
	if !ok {
		return Descriptor{}, false
	}
	return t.reads[c], true
}

// ResolveWrite looks up a write command by its exact, case-sensitive token.
func (t *Table) ResolveWrite(token string) (Switch, bool) {
	a, ok := t.byAction[token]
	if !ok {
		return Switch{}, false
	}
	so := switchOutputs[a]
	return Switch{Action: a, Index: t.reads[so.output].Index, State: so.state}, true
}

// Reads lists every read descriptor in command order.
func (t *Table) Reads() []Descriptor {
	out := make([]Descriptor, numCommands)
	copy(out, t.reads[:])
	return out
}
