// Package pipeline implements the policy chain that every incoming MIDI
// event flows through, plus the timer scheduler the policies share.
//
// The pipeline is single-writer: one goroutine (the Run loop) owns event
// dispatch and timer firing. Policies therefore never need their own
// locking for state that is only touched from Process and timer callbacks.
// The one exception is the replace policy, whose rule state is also mutated
// by the control server; it carries its own mutex.
//
// Dispatch model: each policy receives the events emitted by the previous
// policy and returns zero or more output events. An empty result suppresses
// the event. A policy that fails at runtime is logged and treated as
// pass-through so a misbehaving filter cannot stall the signal path;
// configuration errors, in contrast, abort construction.
package pipeline
