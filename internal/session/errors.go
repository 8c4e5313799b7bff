package session

import "errors"

var (
	// ErrInvalidConfig reports malformed session start parameters. The
	// session is never created.
	ErrInvalidConfig = errors.New("session: invalid config")
	// ErrBarrierTimeout marks a phase that closed on its deadline with
	// agents still outstanding.
	ErrBarrierTimeout = errors.New("session: barrier timeout")
	// ErrRoundAborted reports a consensus round that ended without a
	// binding decision.
	ErrRoundAborted = errors.New("session: consensus round aborted")
	// ErrTransportUnavailable is returned by a transport that cannot
	// carry traffic right now. Callers degrade to the next adapter.
	ErrTransportUnavailable = errors.New("session: transport unavailable")
	// ErrAgentUnresponsive marks an agent evicted after missing its
	// check-in windows.
	ErrAgentUnresponsive = errors.New("session: agent unresponsive")

	ErrSessionNotFound = errors.New("session: not found")
	ErrUnknownAgent    = errors.New("session: unknown agent")
	ErrSessionStopped  = errors.New("session: stopped")
	ErrStateNotFound   = errors.New("session: state not found")
	ErrNotParticipant  = errors.New("session: agent is not a round participant")
	ErrNotYourTurn     = errors.New("session: agent does not hold the token")
	ErrWrongPhase      = errors.New("session: operation not allowed in current round state")
)
