package registry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/filecollection/pkg/auth"
)

// Effect is the outcome an AccessRule contributes when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// AccessRule is the declarative form of one gate rule.
//
// When lists conditions that must all hold for the rule to match:
//
//	always
//	never
//	authenticated
//	owner:<metadata key>     caller's user id equals metadata[<key>]
//	role:<name>              caller carries the role
//	length_exceeds:<bytes>   proposed data length above the limit
//
// An empty When means always.
type AccessRule struct {
	Operation auth.Operation
	Effect    Effect
	When      []string
}

// BuildGate translates rules into a gate, preserving their order. No rules
// yields a gate that rejects every mutation.
func BuildGate(rules []AccessRule) (*auth.Gate, error) {
	gate := auth.NewGate()

	for i, rule := range rules {
		if !rule.Operation.Valid() {
			return nil, fmt.Errorf("rule %d: unknown operation %q", i, rule.Operation)
		}

		predicate, err := allOf(rule.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		switch rule.Effect {
		case EffectAllow:
			gate.Allow(rule.Operation, predicate)
		case EffectDeny:
			gate.Deny(rule.Operation, predicate)
		default:
			return nil, fmt.Errorf("rule %d: unknown effect %q", i, rule.Effect)
		}
	}
	return gate, nil
}

func allOf(conditions []string) (auth.Predicate, error) {
	if len(conditions) == 0 {
		return auth.Always, nil
	}

	predicates := make([]auth.Predicate, 0, len(conditions))
	for _, c := range conditions {
		p, err := ParseCondition(c)
		if err != nil {
			return nil, err
		}
		predicates = append(predicates, p)
	}
	if len(predicates) == 1 {
		return predicates[0], nil
	}

	return func(req auth.Request) bool {
		for _, p := range predicates {
			if !p(req) {
				return false
			}
		}
		return true
	}, nil
}

// ParseCondition turns one AccessRule condition into a predicate.
func ParseCondition(condition string) (auth.Predicate, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(condition), ":")

	switch name {
	case "always":
		return auth.Always, nil
	case "never":
		return auth.Never, nil
	case "authenticated":
		return auth.Authenticated, nil
	case "owner":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("condition %q: owner needs a metadata key", condition)
		}
		return auth.OwnerIs(arg), nil
	case "role":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("condition %q: role needs a name", condition)
		}
		return auth.HasRole(arg), nil
	case "length_exceeds":
		limit, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("condition %q: length_exceeds needs a byte count", condition)
		}
		return auth.LengthExceeds(limit), nil
	default:
		return nil, fmt.Errorf("unknown condition %q", condition)
	}
}
