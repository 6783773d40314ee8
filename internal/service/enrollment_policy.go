package service

import (
	"errors"
	"fmt"

	"github.com/noah-isme/krs-api/internal/models"
	appErrors "github.com/noah-isme/krs-api/pkg/errors"
)

// CreditGate selects which credit check guards a transition.
type CreditGate int

const (
	// CreditGateNone performs no credit check.
	CreditGateNone CreditGate = iota
	// CreditGateCommitted checks ENROLLED load before committing a new enrollment.
	CreditGateCommitted
	// CreditGateReserved checks pending plus enrolled load. Only active when
	// pending reservations are enforced.
	CreditGateReserved
)

// TransitionPlan is the table lookup result for (status, role, action): where
// the enrollment goes and which contextual checks must pass first.
type TransitionPlan struct {
	From   models.EnrollmentStatus
	To     models.EnrollmentStatus
	Action models.EnrollmentAction
	// NoOp marks a reject-family action on an already rejected enrollment.
	NoOp bool

	RequireOwner            bool
	RequireCourseInstructor bool
	RequireAdvisor          bool
	// RequireRouting means the student's advisor must resolve before entering PENDING_ADVISOR.
	RequireRouting bool
	Credit         CreditGate
}

// LedgerFigures are credit sums read inside the locked unit, excluding the
// enrollment being evaluated.
type LedgerFigures struct {
	Committed int
	Reserved  int
}

// PolicyInput gathers everything Evaluate needs. Optional parts are loaded by
// the caller according to the plan's Require flags.
type PolicyInput struct {
	Enrollment models.Enrollment
	Actor      models.Actor
	Plan       TransitionPlan

	Course *models.Course
	// ResolvedAdvisorID is the resolver's current answer; AdvisorErr is set when resolution failed.
	ResolvedAdvisorID string
	AdvisorErr        error

	Ledger                *LedgerFigures
	CreditLimit           int
	ReservePendingCredits bool
}

// PolicyDecision is the approved outcome of an evaluation.
type PolicyDecision struct {
	Next models.EnrollmentStatus
	NoOp bool
	// AdvisorID is set when the transition routes the enrollment to an advisor.
	AdvisorID *string
}

// PlanTransition looks up the transition table. It does not inspect who the
// actor is beyond their role.
func PlanTransition(status models.EnrollmentStatus, role models.UserRole, action models.EnrollmentAction) (TransitionPlan, error) {
	plan := TransitionPlan{From: status, Action: action}

	switch status {
	case models.EnrollmentStatusEnrolled:
		return plan, alreadyTerminal(status)

	case models.EnrollmentStatusRejected:
		if action.Rejecting() {
			if rejectPlan, err := planReject(status, role, action); err == nil {
				rejectPlan.NoOp = true
				rejectPlan.To = models.EnrollmentStatusRejected
				return rejectPlan, nil
			}
		}
		return plan, alreadyTerminal(status)

	case models.EnrollmentStatusRequested:
		if action == models.ActionSubmit {
			if role != models.RoleStudent {
				return plan, invalidTransition(status, role, action)
			}
			plan.To = models.EnrollmentStatusPendingInstructor
			plan.RequireOwner = true
			plan.Credit = CreditGateReserved
			return plan, nil
		}
		return planReject(status, role, action)

	case models.EnrollmentStatusPendingInstructor:
		if action == models.ActionApprove {
			if role != models.RoleInstructor {
				return plan, invalidTransition(status, role, action)
			}
			plan.To = models.EnrollmentStatusPendingAdvisor
			plan.RequireCourseInstructor = true
			plan.RequireRouting = true
			return plan, nil
		}
		return planReject(status, role, action)

	case models.EnrollmentStatusPendingAdvisor:
		if action == models.ActionApprove {
			if role != models.RoleAdvisor {
				return plan, invalidTransition(status, role, action)
			}
			plan.To = models.EnrollmentStatusEnrolled
			plan.RequireAdvisor = true
			plan.Credit = CreditGateCommitted
			return plan, nil
		}
		return planReject(status, role, action)

	default:
		return plan, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("enrollment has undefined status %q", status))
	}
}

// planReject resolves the reject family for a non-terminal (or rejected) status.
func planReject(status models.EnrollmentStatus, role models.UserRole, action models.EnrollmentAction) (TransitionPlan, error) {
	plan := TransitionPlan{From: status, To: models.EnrollmentStatusRejected, Action: action}
	switch action {
	case models.ActionOverrideReject:
		if role.IsAdmin() {
			return plan, nil
		}
	case models.ActionWithdraw:
		if role == models.RoleStudent {
			plan.RequireOwner = true
			return plan, nil
		}
	case models.ActionReject:
		switch {
		case role == models.RoleInstructor && (status == models.EnrollmentStatusPendingInstructor || status == models.EnrollmentStatusRejected):
			plan.RequireCourseInstructor = true
			return plan, nil
		case role == models.RoleAdvisor && (status == models.EnrollmentStatusPendingAdvisor || status == models.EnrollmentStatusRejected):
			plan.RequireAdvisor = true
			return plan, nil
		}
	}
	return TransitionPlan{From: status, Action: action}, invalidTransition(status, role, action)
}

// Evaluate applies actor identity checks, advisor routing and credit gates to a plan.
func Evaluate(in PolicyInput) (PolicyDecision, error) {
	plan := in.Plan
	e := in.Enrollment

	if plan.RequireOwner && in.Actor.ID != e.StudentID {
		return PolicyDecision{}, appErrors.Clone(appErrors.ErrNotAuthorized, "only the requesting student may act on this enrollment")
	}

	if plan.RequireCourseInstructor {
		if in.Course == nil {
			return PolicyDecision{}, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("course %s not found", e.CourseID))
		}
		if in.Course.InstructorID != in.Actor.ID {
			return PolicyDecision{}, appErrors.Clone(appErrors.ErrNotAuthorized, fmt.Sprintf("actor is not the instructor of course %s", in.Course.Code))
		}
	}

	if plan.RequireAdvisor {
		if err := checkAdvisor(in); err != nil {
			return PolicyDecision{}, err
		}
	}

	decision := PolicyDecision{Next: plan.To, NoOp: plan.NoOp}
	if plan.NoOp {
		return decision, nil
	}

	if plan.RequireRouting {
		if in.AdvisorErr != nil {
			return PolicyDecision{}, in.AdvisorErr
		}
		if in.ResolvedAdvisorID == "" {
			return PolicyDecision{}, appErrors.Clone(appErrors.ErrNoAdvisorAssigned, "")
		}
		advisor := in.ResolvedAdvisorID
		decision.AdvisorID = &advisor
	}

	switch plan.Credit {
	case CreditGateCommitted:
		if in.Ledger == nil {
			return PolicyDecision{}, appErrors.Clone(appErrors.ErrInternal, "credit ledger was not read")
		}
		if err := CheckCreditLimit(in.Ledger.Committed, e.CreditWeight, in.CreditLimit); err != nil {
			return PolicyDecision{}, err
		}
	case CreditGateReserved:
		if in.ReservePendingCredits {
			if in.Ledger == nil {
				return PolicyDecision{}, appErrors.Clone(appErrors.ErrInternal, "credit ledger was not read")
			}
			if err := CheckCreditLimit(in.Ledger.Reserved, e.CreditWeight, in.CreditLimit); err != nil {
				return PolicyDecision{}, err
			}
		}
	}

	return decision, nil
}

// CheckCreditLimit returns CreditLimitExceeded carrying the overage when
// load+additional is above limit.
func CheckCreditLimit(load, additional, limit int) error {
	over := Overage(load, additional, limit)
	if over <= 0 {
		return nil
	}
	return appErrors.WithDetails(
		appErrors.Clone(appErrors.ErrCreditLimitExceeded, fmt.Sprintf("credit limit exceeded by %d (load %d + %d > limit %d)", over, load, additional, limit)),
		map[string]interface{}{"overage": over, "load": load, "additional": additional, "limit": limit},
	)
}

func checkAdvisor(in PolicyInput) error {
	expected := in.ResolvedAdvisorID
	if in.AdvisorErr != nil || expected == "" {
		// A rejected enrollment may have lost its mapping since; fall back to the advisor it was routed to.
		if in.Plan.NoOp && in.Enrollment.FacultyAdvisorID != nil {
			expected = *in.Enrollment.FacultyAdvisorID
		} else if in.AdvisorErr != nil {
			return in.AdvisorErr
		} else {
			return appErrors.Clone(appErrors.ErrNoAdvisorAssigned, "")
		}
	}
	if expected != in.Actor.ID {
		return appErrors.Clone(appErrors.ErrNotAuthorized, "actor is not the assigned faculty advisor for this student")
	}
	return nil
}

func alreadyTerminal(status models.EnrollmentStatus) error {
	return appErrors.Clone(appErrors.ErrAlreadyTerminal, fmt.Sprintf("enrollment is already %s", status))
}

func invalidTransition(status models.EnrollmentStatus, role models.UserRole, action models.EnrollmentAction) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("%s cannot %s an enrollment in %s", role, action, status))
}

// isKind reports whether err carries the given workflow error kind.
func isKind(err error, kind *appErrors.Error) bool {
	return errors.Is(err, kind)
}
