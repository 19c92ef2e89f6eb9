package core

import (
	"time"

	"cocoaquota/pkg/domain"
)

// State is a reconciliation state machine position.
type State string

// Reconciliation states in transition order. APPROVED, ROLLED_BACK and ABORTED are terminal.
const (
	StateReceived        State = "RECEIVED"
	StateIdentityChecked State = "IDENTITY_CHECKED"
	// StateStaged means cleanup deletes ran and the insert is about to be issued.
	StateStaged         State = "STAGED"
	StateCommitted      State = "COMMITTED"
	StateQuotaEvaluated State = "QUOTA_EVALUATED"
	StateApproved       State = "APPROVED"
	StateRolledBack     State = "ROLLED_BACK"
	// StateAborted ends a run that never committed rows.
	StateAborted State = "ABORTED"
)

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateRolledBack, StateAborted:
		return true
	}
	return false
}

// Transition records one state change.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// CompensationPhase tells whether a delete was pre-insert cleanup or a rollback.
type CompensationPhase string

const (
	PhaseCleanup  CompensationPhase = "cleanup"
	PhaseRollback CompensationPhase = "rollback"
)

// Compensation is one entry of the compensating delete log.
type Compensation struct {
	Phase     CompensationPhase `json:"phase"`
	Lot       domain.LotKey     `json:"lot"`
	FarmerIDs []string          `json:"farmer_ids"`
	Deleted   int64             `json:"deleted"`
	Err       string            `json:"error,omitempty"`
}

// Failed reports whether the delete errored.
func (c Compensation) Failed() bool { return c.Err != "" }

// Outcome is the typed result of one reconciliation run.
type Outcome struct {
	RunID         string                     `json:"run_id"`
	Source        string                     `json:"source"`
	State         State                      `json:"state"`
	History       []Transition               `json:"history"`
	Lots          []domain.LotAggregate      `json:"lots,omitempty"`
	QuotaRows     []domain.QuotaStatusRow    `json:"quota_rows,omitempty"`
	Violations    []domain.Violation         `json:"violations,omitempty"`
	Compensations []Compensation             `json:"compensations,omitempty"`
	Commit        *domain.CommitToken        `json:"commit,omitempty"`
	Certificate   *domain.CertificateSummary `json:"certificate,omitempty"`
}

// Approved reports whether the run ended in APPROVED.
func (o Outcome) Approved() bool { return o.State == StateApproved }

// Blocking returns violations that forced a rollback.
func (o Outcome) Blocking() []domain.Violation {
	return domain.Result{Violations: o.Violations}.Filter(domain.SeverityBlock)
}

// Warnings returns warn-level violations plus a synthetic entry per failed delete.
func (o Outcome) Warnings() []domain.Violation {
	out := domain.Result{Violations: o.Violations}.Filter(domain.SeverityWarn)
	for _, c := range o.Compensations {
		if !c.Failed() {
			continue
		}
		out = append(out, domain.Violation{
			Rule:     "compensating_delete",
			Severity: domain.SeverityWarn,
			Message:  string(c.Phase) + " delete for lot " + c.Lot.String() + " failed: " + c.Err,
			Subject:  c.Lot.String(),
		})
	}
	return out
}

// Removed lists the successful rollback deletes.
func (o Outcome) Removed() []domain.LotRemoval {
	var out []domain.LotRemoval
	for _, c := range o.Compensations {
		if c.Phase != PhaseRollback || c.Failed() {
			continue
		}
		out = append(out, domain.LotRemoval{Lot: c.Lot, FarmerIDs: c.FarmerIDs, Deleted: c.Deleted})
	}
	return out
}

func (o *Outcome) transition(s State, at time.Time) {
	o.State = s
	o.History = append(o.History, Transition{State: s, At: at})
}
