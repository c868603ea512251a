package domain

// Outcome of an admission evaluation.
type Outcome string

const (
	Accept Outcome = "accept"
	Reject Outcome = "reject"
)

// RejectReason explains a REJECT outcome. RejectNone accompanies ACCEPT.
type RejectReason string

const (
	RejectNone        RejectReason = "none"
	RejectCapacity    RejectReason = "capacity"
	RejectOrigin      RejectReason = "origin"
	RejectRateLimit   RejectReason = "rate_limit"
	RejectDuplicateID RejectReason = "duplicate_id"
)

// AdmissionDecision is the result of gating one connection attempt.
type AdmissionDecision struct {
	Outcome      Outcome
	Reason       RejectReason
	ConnectionID string
}

func Accepted(connectionID string) AdmissionDecision {
	return AdmissionDecision{Outcome: Accept, Reason: RejectNone, ConnectionID: connectionID}
}

func Rejected(connectionID string, reason RejectReason) AdmissionDecision {
	return AdmissionDecision{Outcome: Reject, Reason: reason, ConnectionID: connectionID}
}

func (d AdmissionDecision) IsAccepted() bool { return d.Outcome == Accept }

// Err returns nil for ACCEPT and an *AdmissionError otherwise.
func (d AdmissionDecision) Err() error {
	if d.IsAccepted() {
		return nil
	}
	return &AdmissionError{Reason: d.Reason, CandidateID: d.ConnectionID}
}

// CloseCode is the transport close code a refused handshake should be closed with.
func (r RejectReason) CloseCode() int {
	switch r {
	case RejectCapacity:
		return CloseTryAgainLater
	case RejectOrigin:
		return ClosePolicyViolated
	case RejectRateLimit:
		return CloseRateLimited
	case RejectDuplicateID:
		return CloseDuplicateID
	default:
		return CloseNormal
	}
}
