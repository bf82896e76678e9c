package router

// State is a step of the per-invocation state machine. Every run ends in
// StateReported.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateValidated        State = "VALIDATED"
	StatePolicyEvaluated  State = "POLICY_EVALUATED"
	StateDenied           State = "DENIED"
	StateSandboxAcquiring State = "SANDBOX_ACQUIRING"
	StateExecuting        State = "EXECUTING"
	StateSucceeded        State = "SUCCEEDED"
	StateFailed           State = "FAILED"
	StateTornDown         State = "TORN_DOWN"
	StateReported         State = "REPORTED"
)

var transitions = map[State][]State{
	StateReceived:         {StateValidated, StateFailed},
	StateValidated:        {StatePolicyEvaluated, StateFailed},
	StatePolicyEvaluated:  {StateDenied, StateSandboxAcquiring, StateFailed},
	StateDenied:           {StateTornDown},
	StateSandboxAcquiring: {StateExecuting, StateFailed},
	StateExecuting:        {StateSucceeded, StateFailed},
	StateSucceeded:        {StateTornDown},
	StateFailed:           {StateTornDown},
	StateTornDown:         {StateReported},
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool { return s == StateReported }
