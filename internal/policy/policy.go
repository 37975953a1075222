// Package policy decides whether an actor may perform an action on a
// resource.
//
// The package centralizes authorization so the dispatcher gates every
// mutation through one evaluator instead of scattering checks through
// handlers. Rules are ordered (scope, predicate) pairs attached to a
// collection and evaluated under deny-by-default semantics: the outcome
// starts at deny and flips to allow only when a matching rule's predicate
// reports true. Evaluation is total and side-effect free, so callers may
// invoke it speculatively.
package policy

import (
	"github.com/statorhq/stator/internal/actor"
	"github.com/statorhq/stator/internal/state"
)

// Kind classifies what an action does to its collection, for rules that
// gate a whole class of actions instead of a single name.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Reason codes recorded on decisions for logs and audit records. Clients
// only ever learn that access was denied, never which rule decided it.
const (
	ReasonAllowRuleMatched    = "allow_rule_matched"
	ReasonDenyNoMatchingRule  = "deny_no_matching_rule"
	ReasonDenyPredicatesFalse = "deny_predicates_false"
)

// Decision is the outcome of one authorization check.
type Decision struct {
	Allowed    bool
	ReasonCode string
	Rule       string // name of the granting rule, empty on deny
}

// Predicate inspects the actor and the target resource. Predicates must be
// pure: no I/O and no mutation of the resource they are handed.
type Predicate func(a *actor.Actor, resource state.Item) bool

// Rule gates one action name or one action kind. A nil predicate never
// grants.
type Rule struct {
	Name      string
	Scope     Scope
	Predicate Predicate
}

// Scope selects which requests a rule applies to.
type Scope struct {
	action string
	kind   Kind
}

// ForAction scopes a rule to a single action name.
func ForAction(name string) Scope {
	return Scope{action: name}
}

// ForKind scopes a rule to every action of the given kind.
func ForKind(kind Kind) Scope {
	return Scope{kind: kind}
}

func (s Scope) matches(action string, kind Kind) bool {
	if s.action != "" {
		return s.action == action
	}
	return s.kind != "" && s.kind == kind
}

// Evaluator holds the ordered rule sets, one per collection. Register all
// rules during wiring; evaluation afterwards is read-only and safe for
// concurrent use.
type Evaluator struct {
	sets map[string][]Rule
}

// NewEvaluator creates an evaluator with no rules. Until rules are
// registered it denies everything.
func NewEvaluator() *Evaluator {
	return &Evaluator{sets: make(map[string][]Rule)}
}

// Register appends rules to a collection's rule set in evaluation order.
func (e *Evaluator) Register(collection string, rules ...Rule) {
	e.sets[collection] = append(e.sets[collection], rules...)
}

// Authorize evaluates the collection's rules in registration order. Any
// matching rule whose predicate reports true allows the request; no
// matching rule, or every matching predicate false, denies. The rule set
// is a monotone OR, so rule order never changes the outcome, only which
// granting rule is reported.
func (e *Evaluator) Authorize(a *actor.Actor, action string, kind Kind, collection string, resource state.Item) Decision {
	matched := false
	for _, rule := range e.sets[collection] {
		if !rule.Scope.matches(action, kind) {
			continue
		}
		matched = true
		if rule.Predicate != nil && rule.Predicate(a, resource) {
			return Decision{Allowed: true, ReasonCode: ReasonAllowRuleMatched, Rule: rule.Name}
		}
	}
	if !matched {
		return Decision{Allowed: false, ReasonCode: ReasonDenyNoMatchingRule}
	}
	return Decision{Allowed: false, ReasonCode: ReasonDenyPredicatesFalse}
}
