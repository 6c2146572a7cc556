// Package policy implements the filter policies that can be chained into
// the pipeline: cross-talk cancellation, choke groups, velocity
// amplification, command triggering, record/replay, reference-click timing
// and runtime note replacement.
//
// Policies are a closed set selected by name through Build; there is no
// runtime code loading. Each policy owns its state exclusively and is only
// touched from the pipeline dispatch goroutine, except Replace, which
// shares rule state with the control server under its own mutex.
package policy
