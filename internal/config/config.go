// Package config loads and validates the xtalk configuration document.
//
// The document is YAML, keyed by policy name. Unknown or extra fields are
// ignored rather than rejected so newer documents keep working with older
// binaries. After decoding, the resolved configuration is validated against
// the embedded CUE schema; any violation is a fatal ConfigError.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration document.
type Config struct {
	// Pipeline lists the policies to run, in dispatch order.
	Pipeline []string `yaml:"pipeline" json:"pipeline"`

	Choke     ChokeConfig     `yaml:"choke" json:"choke"`
	Amplify   AmplifyConfig   `yaml:"amplify" json:"amplify"`
	Exec      ExecConfig      `yaml:"exec" json:"exec"`
	Replay    ReplayConfig    `yaml:"replay" json:"replay"`
	Time      TimeConfig      `yaml:"time" json:"time"`
	Replace   ReplaceConfig   `yaml:"replace" json:"replace"`
	Crosstalk CrosstalkConfig `yaml:"crosstalk" json:"crosstalk"`
}

// ChokeConfig configures choke-group suppression.
type ChokeConfig struct {
	// Choke maps a trigger note to the member notes of its choke group.
	Choke map[int][]int `yaml:"choke" json:"choke"`
	// ChokeMax is the suppression window length in ms.
	ChokeMax int `yaml:"choke_max" json:"choke_max"`
	// ChokeCnt is how many group-member events pass before choking begins.
	ChokeCnt int `yaml:"choke_cnt" json:"choke_cnt"`
	// CymbalMax caps the velocity of passing group members while choking.
	CymbalMax int `yaml:"cymbal_max" json:"cymbal_max"`
}

// AmplifyConfig configures the per-note velocity transform.
type AmplifyConfig struct {
	Amplify map[int]AmplifyFactors `yaml:"amplify" json:"amplify"`
}

// AmplifyFactors is one note's transform: v' = clamp(round(v*Multiply/100)+Add).
type AmplifyFactors struct {
	Multiply int `yaml:"multiply" json:"multiply"`
	Add      int `yaml:"add" json:"add"`
}

// UnmarshalYAML applies the per-entry defaults (multiply 100, add 0) before
// decoding, so `{add: 10}` means "add 10, leave the velocity scale alone".
func (f *AmplifyFactors) UnmarshalYAML(n *yaml.Node) error {
	type raw AmplifyFactors
	r := raw{Multiply: 100}
	if err := n.Decode(&r); err != nil {
		return err
	}
	*f = AmplifyFactors(r)
	return nil
}

// ExecConfig configures external command triggering.
type ExecConfig struct {
	// Exec maps a note to an ordered list of velocity-tiered actions; the
	// first action whose min_velocity the event meets is invoked.
	Exec map[int][]ExecAction `yaml:"exec" json:"exec"`
	// Pass controls whether matching events still propagate downstream.
	Pass bool `yaml:"pass" json:"pass"`
	// AllNotes applies matching to note off events too.
	AllNotes bool `yaml:"all_notes" json:"all_notes"`
	// Suppress is the per-note debounce window in ms; negative disables it.
	Suppress int `yaml:"suppress" json:"suppress"`
}

// ExecAction is one command with its velocity gate.
type ExecAction struct {
	Command     []string `yaml:"command" json:"command"`
	MinVelocity int      `yaml:"min_velocity" json:"min_velocity"`
}

// ReplayConfig configures the record/replay looper.
type ReplayConfig struct {
	Record          []int `yaml:"record" json:"record"`
	Play            []int `yaml:"play" json:"play"`
	Loop            bool  `yaml:"loop" json:"loop"`
	Pass            bool  `yaml:"pass" json:"pass"`
	PlayStopsRecord bool  `yaml:"play_stops_record" json:"play_stops_record"`
}

// TimeConfig configures the reference-click timing checker.
type TimeConfig struct {
	Control         []int  `yaml:"control" json:"control"`
	Client          string `yaml:"client" json:"client"`
	Delay           int    `yaml:"delay" json:"delay"`
	PlayInterval    int    `yaml:"play_interval" json:"play_interval"`
	AcceptRange     int    `yaml:"accept_range" json:"accept_range"`
	MaxDiff         int    `yaml:"max_diff" json:"max_diff"`
	ErrorEarly      int    `yaml:"error_early" json:"error_early"`
	ErrorLate       int    `yaml:"error_late" json:"error_late"`
	ErrorVelocity   int    `yaml:"error_velocity" json:"error_velocity"`
	Drop            bool   `yaml:"drop" json:"drop"`
	Calibration     int    `yaml:"calibration" json:"calibration"`
	AutoCalibration bool   `yaml:"auto_calibration" json:"auto_calibration"`
	ClickNote       int    `yaml:"click_note" json:"click_note"`
	ClickVelocity   int    `yaml:"click_velocity" json:"click_velocity"`
}

// ReplaceConfig configures runtime-toggleable note remapping and its
// control server.
type ReplaceConfig struct {
	Replace []ReplaceRule `yaml:"replace" json:"replace"`
	Server  bool          `yaml:"server" json:"server"`
	Port    int           `yaml:"port" json:"port"`
	Address string        `yaml:"address" json:"address"`
}

// ReplaceRule is one toggleable remapping directive.
type ReplaceRule struct {
	ID      string `yaml:"id" json:"id"`
	From    []int  `yaml:"from" json:"from"`
	To      int    `yaml:"to" json:"to"`
	Enable  []int  `yaml:"enable" json:"enable"`
	Disable []int  `yaml:"disable" json:"disable"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// CrosstalkConfig configures velocity-threshold cross-talk cancellation.
type CrosstalkConfig struct {
	// Delay is how long (ms) a note on is held before the verdict.
	Delay int `yaml:"delay" json:"delay"`
	// History is how long (ms) past hits stay relevant, beyond Delay.
	History int `yaml:"history" json:"history"`
	// Threshold is the acceptable percentage of the strongest recent
	// cause-note velocity.
	Threshold int `yaml:"threshold" json:"threshold"`
	// Minimum suppresses any note below this velocity outright.
	Minimum int             `yaml:"minimum" json:"minimum"`
	Rules   []CrosstalkRule `yaml:"rules" json:"rules"`
}

// CrosstalkRule scopes threshold/minimum overrides to specific notes.
// Empty Notes or Cause means "all notes".
type CrosstalkRule struct {
	Notes     []int `yaml:"notes" json:"notes"`
	Cause     []int `yaml:"cause" json:"cause"`
	Threshold *int  `yaml:"threshold" json:"threshold,omitempty"`
	Minimum   *int  `yaml:"minimum" json:"minimum,omitempty"`
}

// Default returns the configuration with every documented default applied.
// Load decodes the user document over this, so absent fields keep their
// defaults and explicit values (including explicit false) win.
func Default() *Config {
	return &Config{
		Pipeline: []string{"crosstalk", "choke", "amplify", "exec", "replay", "time", "replace"},
		Choke: ChokeConfig{
			Choke:     map[int][]int{},
			ChokeMax:  20,
			ChokeCnt:  1,
			CymbalMax: 50,
		},
		Amplify: AmplifyConfig{
			Amplify: map[int]AmplifyFactors{},
		},
		Exec: ExecConfig{
			Exec:     map[int][]ExecAction{},
			Pass:     true,
			AllNotes: false,
			Suppress: -1,
		},
		Replay: ReplayConfig{
			Record:          []int{},
			Play:            []int{},
			Loop:            true,
			Pass:            true,
			PlayStopsRecord: true,
		},
		Time: TimeConfig{
			Control:         []int{},
			Client:          "time",
			Delay:           100,
			PlayInterval:    500,
			AcceptRange:     30,
			MaxDiff:         100,
			ErrorEarly:      1,
			ErrorLate:       2,
			ErrorVelocity:   127,
			Drop:            false,
			Calibration:     0,
			AutoCalibration: true,
			ClickNote:       33,
			ClickVelocity:   100,
		},
		Replace: ReplaceConfig{
			Replace: []ReplaceRule{},
			Server:  false,
			Port:    1560,
			Address: "localhost",
		},
		Crosstalk: CrosstalkConfig{
			Delay:     5,
			History:   150,
			Threshold: 30,
			Minimum:   0,
			Rules:     []CrosstalkRule{},
		},
	}
}

// Load reads, decodes and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigError{Policy: "config", Message: fmt.Sprintf("malformed document: %v", err)}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize replaces nil sub-slices from partially specified entries with
// empty ones so validation and the policies see a uniform shape.
func (c *Config) normalize() {
	if c.Pipeline == nil {
		c.Pipeline = []string{}
	}
	for i := range c.Replace.Replace {
		r := &c.Replace.Replace[i]
		if r.From == nil {
			r.From = []int{}
		}
		if r.Enable == nil {
			r.Enable = []int{}
		}
		if r.Disable == nil {
			r.Disable = []int{}
		}
	}
	for i := range c.Crosstalk.Rules {
		r := &c.Crosstalk.Rules[i]
		if r.Notes == nil {
			r.Notes = []int{}
		}
		if r.Cause == nil {
			r.Cause = []int{}
		}
	}
	for note, actions := range c.Exec.Exec {
		for i := range actions {
			if actions[i].Command == nil {
				actions[i].Command = []string{}
			}
		}
		c.Exec.Exec[note] = actions
	}
	for note, members := range c.Choke.Choke {
		if members == nil {
			c.Choke.Choke[note] = []int{}
		}
	}
	if c.Replay.Record == nil {
		c.Replay.Record = []int{}
	}
	if c.Replay.Play == nil {
		c.Replay.Play = []int{}
	}
	if c.Time.Control == nil {
		c.Time.Control = []int{}
	}
}
