package billing

import "fmt"

// Trigger names the operation requesting a status change.
type Trigger string

const (
	TriggerScrub       Trigger = "scrub"
	TriggerRevise      Trigger = "revise"
	TriggerSubmit      Trigger = "submit"
	TriggerReject      Trigger = "reject"
	TriggerAcknowledge Trigger = "acknowledge"
	TriggerStatusPoll  Trigger = "status_poll"
	TriggerReconcile   Trigger = "reconcile"
	TriggerAppeal      Trigger = "appeal"
	TriggerCancel      Trigger = "cancel"
)

// transitions lists, per trigger, the target states reachable from each
// source state. A source absent from a trigger's map rejects the trigger.
// Same-state entries allow events that record something without moving the
// claim.
var transitions = map[Trigger]map[Status][]Status{
	TriggerScrub: {
		StatusDraft:     {StatusDraft, StatusValidated},
		StatusValidated: {StatusValidated, StatusDraft},
	},
	TriggerRevise: {
		StatusDraft:     {StatusDraft},
		StatusValidated: {StatusDraft},
		StatusRejected:  {StatusDraft},
	},
	TriggerSubmit: {
		StatusValidated: {StatusSubmitted},
	},
	TriggerReject: {
		StatusValidated: {StatusRejected},
		StatusSubmitted: {StatusRejected},
	},
	TriggerAcknowledge: {
		StatusSubmitted: {StatusAcknowledged},
	},
	TriggerStatusPoll: {
		StatusSubmitted:    {StatusSubmitted},
		StatusAcknowledged: {StatusAcknowledged, StatusAdjudicated},
		StatusAdjudicated:  {StatusAdjudicated},
		StatusAppealed:     {StatusAppealed},
	},
	TriggerReconcile: {
		StatusSubmitted:    {StatusPaid, StatusDenied, StatusSubmitted},
		StatusAcknowledged: {StatusPaid, StatusDenied, StatusAcknowledged},
		StatusAdjudicated:  {StatusPaid, StatusDenied, StatusAdjudicated},
		StatusAppealed:     {StatusPaid, StatusDenied, StatusAppealed},
	},
	TriggerAppeal: {
		StatusDenied: {StatusAppealed},
	},
	TriggerCancel: {
		StatusDraft:     {StatusCancelled},
		StatusValidated: {StatusCancelled},
		StatusRejected:  {StatusCancelled},
	},
}

// Allowed reports whether trigger may move a claim from -> to.
func Allowed(trigger Trigger, from, to Status) bool {
	for _, s := range transitions[trigger][from] {
		if s == to {
			return true
		}
	}
	return false
}

// Accepts reports whether trigger applies to a claim in state from at all.
func Accepts(trigger Trigger, from Status) bool {
	_, ok := transitions[trigger][from]
	return ok
}

// Terminal reports whether no trigger can move a claim out of s.
func Terminal(s Status) bool {
	for _, bySource := range transitions {
		for _, to := range bySource[s] {
			if to != s {
				return false
			}
		}
	}
	return true
}

// ReplayStatus folds an event log starting from draft and returns the status
// it implies. It fails if an event's old status does not match the state the
// log had reached, which means the log and the claim have diverged.
func ReplayStatus(events []*RevenueCycleEvent) (Status, error) {
	current := StatusDraft
	for _, e := range events {
		if e.OldStatus != current {
			return current, fmt.Errorf("event %d (%s): expected old status %s, got %s", e.Sequence, e.Type, current, e.OldStatus)
		}
		current = e.NewStatus
	}
	return current, nil
}
