// Package agent owns the per-thread conversation state machine. It drives
// the reasoning adapter, loads skills on request, applies the approval gate
// to proposed statements and persists each thread after every transition.
package agent
