package server

import (
	"sync"
	"time"
)

// OutcomeKind discriminates how a pending outbound call was concluded.
type OutcomeKind int

const (
	OutcomeResult OutcomeKind = iota
	OutcomeRemoteError
	OutcomeTimedOut
	OutcomeConnectionLost
)

// CallOutcome is the single resolution of an outbound call: the matching
// CallResult payload, the matching CallError, a deadline expiry, or the loss
// of the session the call was sent on.
type CallOutcome struct {
	Kind             OutcomeKind
	Payload          interface{}
	ErrorCode        string
	ErrorDescription string
}

// PendingCall tracks one outbound CALL frame awaiting its reply. It is
// resolved exactly once; whichever of reply, timeout or disconnect comes
// first wins and the rest are ignored.
type PendingCall struct {
	UniqueId string
	Action   string
	IssuedAt time.Time
	done     chan CallOutcome
	once     sync.Once
}

func newPendingCall(uniqueId, action string) *PendingCall {
	return &PendingCall{
		UniqueId: uniqueId,
		Action:   action,
		IssuedAt: time.Now(),
		done:     make(chan CallOutcome, 1),
	}
}

func (p *PendingCall) resolve(outcome CallOutcome) {
	p.once.Do(func() {
		p.done <- outcome
	})
}

// Done delivers the outcome to the suspended caller.
func (p *PendingCall) Done() <-chan CallOutcome {
	return p.done
}

// CommandStatus is the operator-visible result of a remote command.
type CommandStatus string

const (
	CommandAccepted       CommandStatus = "Accepted"
	CommandRejected       CommandStatus = "Rejected"
	CommandTimedOut       CommandStatus = "TimedOut"
	CommandConnectionLost CommandStatus = "ConnectionLost"
)
