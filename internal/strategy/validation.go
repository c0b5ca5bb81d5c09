package strategy

import "strings"

// CheckResult is the outcome of one validation predicate
type CheckResult struct {
	Passed bool
	Name   string
	Code   string // Single-letter code packed into the trade comment
	Reason string
}

// Check is a named validation predicate evaluated at signal time
type Check struct {
	Name string
	Code string
	Run  func() CheckResult
}

// BoolCheck builds a check from a plain predicate
func BoolCheck(name, code string, fn func() (bool, string)) Check {
	return Check{
		Name: name,
		Code: code,
		Run: func() CheckResult {
			ok, reason := fn()
			return CheckResult{Passed: ok, Name: name, Code: code, Reason: reason}
		},
	}
}

// Policy decides how individual check results aggregate
type Policy string

const (
	PolicyAll Policy = "all" // every check must pass
	PolicyAny Policy = "any" // at least one check must pass
)

// Validator runs an ordered list of checks against a signal and remembers
// the most recent results so they can be encoded into the trade comment.
type Validator struct {
	policy Policy
	checks []Check
	last   []CheckResult
}

// NewValidator creates a validator with the given aggregation policy
func NewValidator(policy Policy, checks ...Check) *Validator {
	return &Validator{policy: policy, checks: checks}
}

// Validate runs all checks in order and returns the aggregate verdict.
// Every check runs even after a failure so the full result set is recorded.
func (v *Validator) Validate() bool {
	v.last = make([]CheckResult, 0, len(v.checks))
	passed := 0
	for _, c := range v.checks {
		r := c.Run()
		if r.Name == "" {
			r.Name = c.Name
		}
		if r.Code == "" {
			r.Code = c.Code
		}
		v.last = append(v.last, r)
		if r.Passed {
			passed++
		}
	}
	if v.policy == PolicyAny {
		return passed > 0
	}
	return passed == len(v.checks)
}

// Results returns the outcomes of the most recent Validate call
func (v *Validator) Results() []CheckResult {
	out := make([]CheckResult, len(v.last))
	copy(out, v.last)
	return out
}

// Confirmations packs the codes of the checks that passed in the most
// recent Validate call, in declaration order
func (v *Validator) Confirmations() string {
	var b strings.Builder
	for _, r := range v.last {
		if r.Passed && r.Code != "" {
			b.WriteString(r.Code)
		}
	}
	return b.String()
}

// FailureReasons returns the reasons of the checks that failed
func (v *Validator) FailureReasons() []string {
	var out []string
	for _, r := range v.last {
		if !r.Passed {
			reason := r.Reason
			if reason == "" {
				reason = r.Name
			}
			out = append(out, reason)
		}
	}
	return out
}
