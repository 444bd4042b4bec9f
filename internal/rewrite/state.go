package rewrite

// State is the gateway's per-request state, reported in logs.
type State int

const (
	StateIdle State = iota
	StateCacheCheck
	StateCacheHitRespond
	StateStreamOpen
	StateRelayLoop
	StateStreamClosed
	StateAttemptCacheWrite
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCacheCheck:
		return "cache-check"
	case StateCacheHitRespond:
		return "cache-hit-respond"
	case StateStreamOpen:
		return "stream-open"
	case StateRelayLoop:
		return "relay-loop"
	case StateStreamClosed:
		return "stream-closed"
	case StateAttemptCacheWrite:
		return "attempt-cache-write"
	}
	return "unknown"
}
