package login

// State is the position of a login attempt.
type State int

const (
	Idle State = iota
	AwaitingAuthorization
	AwaitingDelegationPrep
	AwaitingDelegationFetch
	Validating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingAuthorization:
		return "awaiting_authorization"
	case AwaitingDelegationPrep:
		return "awaiting_delegation_prep"
	case AwaitingDelegationFetch:
		return "awaiting_delegation_fetch"
	case Validating:
		return "validating"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}
