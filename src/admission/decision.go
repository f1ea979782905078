package admission

// Verdict is the outcome of an admission evaluation.
type Verdict int

const (
	// Admit puts the peer in the membership set.
	Admit Verdict = iota
	// Reject keeps the peer out, evicting it if it was a member.
	Reject
	// Defer leaves membership untouched until the next evaluation.
	Defer
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "Admit"
	case Reject:
		return "Reject"
	case Defer:
		return "Defer"
	default:
		return "Unknown"
	}
}

// DetailUnregistered marks a NotStaked rejection of a peer that has no ledger
// registration at all.
const DetailUnregistered = "unregistered"

// Reason qualifies a verdict.
type Reason string

const (
	ReasonBootstrap         Reason = "Bootstrap"
	ReasonStaked            Reason = "Staked"
	ReasonNotStaked         Reason = "NotStaked"
	ReasonOracleUnavailable Reason = "OracleUnavailable"
	ReasonMalformedPeerID   Reason = "MalformedPeerID"
	ReasonSubnetMismatch    Reason = "SubnetMismatch"
	// ReasonStale is recorded for peers evicted by the liveness check. It is
	// never the reason of a Decision.
	ReasonStale Reason = "Stale"
)

// Decision is the result of Gate.Evaluate.
type Decision struct {
	Verdict     Verdict
	Reason      Reason
	StakeAmount uint64

	// Detail qualifies the reason for diagnostics. It is DetailUnregistered
	// when a NotStaked peer is unknown to the ledger.
	Detail string

	// Evicted is set when a Reject removed a peer that was a member.
	Evicted bool
}

func admit(r Reason, amount uint64) Decision {
	return Decision{Verdict: Admit, Reason: r, StakeAmount: amount}
}

func reject(r Reason) Decision {
	return Decision{Verdict: Reject, Reason: r}
}

func deferred(r Reason) Decision {
	return Decision{Verdict: Defer, Reason: r}
}
