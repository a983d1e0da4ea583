package connect

import (
	"strconv"
	"time"

	"github.com/kareemkamal10/connections-script/vpngate"
)

// Phase is a milestone within a single connection attempt.  Phases only move
// forward within an attempt; a failure freezes the attempt at the phase it
// had reached.
type Phase uint8

// Phase values, in traversal order.
const (
	// PhaseIdle is the state before the attempt has done anything.
	PhaseIdle Phase = iota

	// PhaseAdapterCreated means the virtual adapter exists.
	PhaseAdapterCreated

	// PhaseConfigCreated means the account for the chosen relay exists.
	PhaseConfigCreated

	// PhaseConnecting means the connect command has been accepted and the
	// attempt is polling for an established link.
	PhaseConnecting

	// PhaseVerifying means the link is up and the attempt is confirming its
	// externally observable effect.
	PhaseVerifying

	// PhaseConnected is the terminal success state.
	PhaseConnected

	// PhaseFailed is the terminal failure state.
	PhaseFailed
)

// String implements the [fmt.Stringer] interface for Phase.
func (p Phase) String() (str string) {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAdapterCreated:
		return "adapter_created"
	case PhaseConfigCreated:
		return "config_created"
	case PhaseConnecting:
		return "connecting"
	case PhaseVerifying:
		return "verifying"
	case PhaseConnected:
		return "connected"
	case PhaseFailed:
		return "failed"
	default:
		return "!bad_phase_" + strconv.FormatUint(uint64(p), 10)
	}
}

// Attempt is the record of a single connection attempt.
type Attempt struct {
	// Start is when the attempt began.
	Start time.Time

	// Candidate is the relay the attempt targets.
	Candidate vpngate.Candidate

	// Err is the error that stopped the attempt, if any.
	Err error

	// Phase is the milestone the attempt has reached.  On failure it keeps
	// the value [PhaseFailed], with the last milestone retained in
	// [Attempt.LastPhase].
	Phase Phase

	// LastPhase is the last milestone reached before a failure.
	LastPhase Phase
}

// newAttempt returns a fresh attempt record for cand.
func newAttempt(cand vpngate.Candidate) (att *Attempt) {
	return &Attempt{
		Start:     time.Now(),
		Candidate: cand,
		Phase:     PhaseIdle,
	}
}

// advance moves the attempt to phase p.
func (a *Attempt) advance(p Phase) {
	a.Phase = p
}

// fail marks the attempt as failed with err, retaining the phase it had
// reached.
func (a *Attempt) fail(err error) {
	a.Err = err
	a.LastPhase = a.Phase
	a.Phase = PhaseFailed
}
