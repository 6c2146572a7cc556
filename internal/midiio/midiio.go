// Package midiio adapts the gomidi driver to the event model: it opens the
// hardware (or virtual) ports the pipeline reads from and writes to, and
// converts between wire messages and events. Reconnection policy is out of
// scope here; a lost port surfaces as a listener error.
package midiio

import (
	"fmt"
	"strings"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/padwerk/xtalk/internal/event"
)

// System owns the MIDI driver. One System serves all ports of a process.
type System struct {
	drv *rtmididrv.Driver
}

// NewSystem initializes the rtmidi driver.
func NewSystem() (*System, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &System{drv: drv}, nil
}

// Close shuts the driver down.
func (s *System) Close() error { return s.drv.Close() }

// List returns the names of the available input and output ports.
func (s *System) List() (ins, outs []string, err error) {
	inPorts, err := s.drv.Ins()
	if err != nil {
		return nil, nil, fmt.Errorf("listing inputs: %w", err)
	}
	outPorts, err := s.drv.Outs()
	if err != nil {
		return nil, nil, fmt.Errorf("listing outputs: %w", err)
	}
	for _, p := range inPorts {
		ins = append(ins, p.String())
	}
	for _, p := range outPorts {
		outs = append(outs, p.String())
	}
	return ins, outs, nil
}

// Duplex is one input/output port pair.
type Duplex struct {
	in   drivers.In
	out  drivers.Out
	send func(midi.Message) error
	stop func()
}

// OpenDuplex opens the pipeline's port pair. Empty port names create
// virtual ports named after the client, so other MIDI software can connect
// to us; non-empty names select an existing port by substring match.
func (s *System) OpenDuplex(client, inPort, outPort string) (*Duplex, error) {
	in, err := s.openIn(client+" input", inPort)
	if err != nil {
		return nil, err
	}
	out, err := s.openOut(client+" output", outPort)
	if err != nil {
		in.Close()
		return nil, err
	}
	send, err := midi.SendTo(out)
	if err != nil {
		in.Close()
		out.Close()
		return nil, fmt.Errorf("preparing sender for %q: %w", out.String(), err)
	}
	return &Duplex{in: in, out: out, send: send}, nil
}

// Output is a send-only virtual port (the TimeCheck reference output).
type Output struct {
	out  drivers.Out
	send func(midi.Message) error
}

// OpenOutput creates a send-only virtual port with the given name.
func (s *System) OpenOutput(name string) (*Output, error) {
	out, err := s.drv.OpenVirtualOut(name)
	if err != nil {
		return nil, fmt.Errorf("opening virtual output %q: %w", name, err)
	}
	send, err := midi.SendTo(out)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("preparing sender for %q: %w", name, err)
	}
	return &Output{out: out, send: send}, nil
}

// Send writes one event to the port.
func (o *Output) Send(ev event.Event) error { return sendEvent(o.send, ev) }

// Close closes the port.
func (o *Output) Close() error { return o.out.Close() }

func (s *System) openIn(virtualName, port string) (drivers.In, error) {
	if port == "" {
		in, err := s.drv.OpenVirtualIn(virtualName)
		if err != nil {
			return nil, fmt.Errorf("opening virtual input %q: %w", virtualName, err)
		}
		return in, nil
	}
	ins, err := s.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("listing inputs: %w", err)
	}
	for _, in := range ins {
		if containsCI(in.String(), port) {
			if err := in.Open(); err != nil {
				return nil, fmt.Errorf("opening input %q: %w", in.String(), err)
			}
			return in, nil
		}
	}
	return nil, fmt.Errorf("no input port matches %q", port)
}

func (s *System) openOut(virtualName, port string) (drivers.Out, error) {
	if port == "" {
		out, err := s.drv.OpenVirtualOut(virtualName)
		if err != nil {
			return nil, fmt.Errorf("opening virtual output %q: %w", virtualName, err)
		}
		return out, nil
	}
	outs, err := s.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("listing outputs: %w", err)
	}
	for _, out := range outs {
		if containsCI(out.String(), port) {
			if err := out.Open(); err != nil {
				return nil, fmt.Errorf("opening output %q: %w", out.String(), err)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("no output port matches %q", port)
}

// Listen starts delivering note events to fn from the listener goroutine.
// onErr, if non-nil, is told about listener failures (a vanished port).
func (d *Duplex) Listen(fn func(event.Event), onErr func(error)) error {
	stop, err := midi.ListenTo(d.in, func(msg midi.Message, _ int32) {
		var ch, key, vel uint8
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			fn(event.Event{
				Note: int(key), Velocity: int(vel), Channel: int(ch),
				Kind: event.NoteOn, Time: time.Now(),
			})
		case msg.GetNoteEnd(&ch, &key):
			fn(event.Event{
				Note: int(key), Channel: int(ch),
				Kind: event.NoteOff, Time: time.Now(),
			})
		}
	}, midi.HandleError(func(err error) {
		if onErr != nil {
			onErr(err)
		}
	}))
	if err != nil {
		return fmt.Errorf("listening on %q: %w", d.in.String(), err)
	}
	d.stop = stop
	return nil
}

// Send writes one event to the output port.
func (d *Duplex) Send(ev event.Event) error { return sendEvent(d.send, ev) }

// Close stops the listener and closes both ports.
func (d *Duplex) Close() error {
	if d.stop != nil {
		d.stop()
	}
	inErr := d.in.Close()
	outErr := d.out.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}

func sendEvent(send func(midi.Message) error, ev event.Event) error {
	var msg midi.Message
	switch ev.Kind {
	case event.NoteOn:
		msg = midi.NoteOn(uint8(ev.Channel), uint8(ev.Note), uint8(ev.Velocity))
	case event.NoteOff:
		msg = midi.NoteOff(uint8(ev.Channel), uint8(ev.Note))
	default:
		return fmt.Errorf("unsendable event kind %v", ev.Kind)
	}
	return send(msg)
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
