// Package auth implements the authorization gate guarding mutations of a
// file collection.
//
// Each operation kind has an ordered list of deny predicates and an ordered
// list of allow predicates. Any deny wins; otherwise at least one allow is
// required. A gate with no allow rules rejects everything.
package auth

import (
	"fmt"
	"sync"

	"github.com/marmos91/filecollection/pkg/store"
	"github.com/marmos91/filecollection/pkg/store/document"
)

// Operation is a mutating operation kind.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpRemove Operation = "remove"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpRemove
}

// Identity is the authenticated caller. The zero value is anonymous.
type Identity struct {
	UserID string
	Roles  []string
}

// Anonymous reports whether no user is authenticated.
func (id Identity) Anonymous() bool {
	return id.UserID == ""
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Change is the proposed effect of an HTTP data write. Only the two fields
// such a write can affect are exposed.
type Change struct {
	Length int64
	MD5    string
}

// Request is what predicates see.
type Request struct {
	Identity Identity

	// Document is the target; for inserts it is the document about to be
	// stored.
	Document *document.File

	// Change is set for update operations issued by data writes.
	Change *Change
}

// Predicate is one rule. It must not mutate the request.
type Predicate func(Request) bool

// Verdict is the tri-state outcome of an evaluation.
type Verdict int

const (
	// Abstain means no rule matched; the operation is rejected.
	Abstain Verdict = iota
	Deny
	Allow
)

func (v Verdict) String() string {
	switch v {
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	default:
		return "abstain"
	}
}

type ruleSet struct {
	deny  []Predicate
	allow []Predicate
}

// Gate holds the rules of one collection. Rules are normally registered at
// startup, but registration is safe alongside concurrent evaluation.
type Gate struct {
	mu    sync.RWMutex
	rules map[Operation]*ruleSet
}

// NewGate returns a gate without rules (everything rejected).
func NewGate() *Gate {
	return &Gate{rules: make(map[Operation]*ruleSet)}
}

func (g *Gate) set(op Operation) *ruleSet {
	rs, ok := g.rules[op]
	if !ok {
		rs = &ruleSet{}
		g.rules[op] = rs
	}
	return rs
}

// Allow appends allow predicates for op.
func (g *Gate) Allow(op Operation, predicates ...Predicate) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs := g.set(op)
	rs.allow = append(rs.allow, predicates...)
	return g
}

// Deny appends deny predicates for op.
func (g *Gate) Deny(op Operation, predicates ...Predicate) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()

	rs := g.set(op)
	rs.deny = append(rs.deny, predicates...)
	return g
}

// Evaluate runs the rules of op against req. Deny predicates run first, in
// order, and short-circuit; then allow predicates, in order.
func (g *Gate) Evaluate(op Operation, req Request) Verdict {
	g.mu.RLock()
	rs, ok := g.rules[op]
	var deny, allow []Predicate
	if ok {
		deny, allow = rs.deny, rs.allow
	}
	g.mu.RUnlock()

	for _, p := range deny {
		if p(req) {
			return Deny
		}
	}
	for _, p := range allow {
		if p(req) {
			return Allow
		}
	}
	return Abstain
}

// Check returns a store.ErrAuthorization error unless op is allowed.
func (g *Gate) Check(op Operation, req Request) error {
	if !op.Valid() {
		return fmt.Errorf("unknown operation %q", op)
	}

	verdict := g.Evaluate(op, req)
	if verdict == Allow {
		return nil
	}

	resource := ""
	if req.Document != nil {
		resource = req.Document.ID.String()
	}
	msg := fmt.Sprintf("%s denied by rule", op)
	if verdict == Abstain {
		msg = fmt.Sprintf("%s not allowed by any rule", op)
	}
	return store.ResourceError(store.ErrAuthorization, resource, msg)
}

// ============================================================================
// Predefined predicates
// ============================================================================

// Always matches every request.
func Always(Request) bool { return true }

// Never matches no request.
func Never(Request) bool { return false }

// Authenticated matches requests carrying a user id.
func Authenticated(req Request) bool { return !req.Identity.Anonymous() }

// OwnerIs matches when the document metadata key holds the caller's user id.
func OwnerIs(metadataKey string) Predicate {
	return func(req Request) bool {
		if req.Identity.Anonymous() || req.Document == nil {
			return false
		}
		owner, ok := req.Document.Metadata[metadataKey].(string)
		return ok && owner == req.Identity.UserID
	}
}

// HasRole matches identities carrying role.
func HasRole(role string) Predicate {
	return func(req Request) bool { return req.Identity.HasRole(role) }
}

// LengthExceeds matches data writes whose proposed length is above limit.
// Meant as a deny rule.
func LengthExceeds(limit int64) Predicate {
	return func(req Request) bool {
		return req.Change != nil && req.Change.Length > limit
	}
}
