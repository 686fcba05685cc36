// Package query implements the composable glob/search predicate (spec
// §4.J "Query evaluator") applied to entries during hierarchy traversal.
package query

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/fsoverlay"
)

// Eq/Ne/Lt/Gt are the operand strings accepted on the comparable facets.
const (
	Eq = "="
	Ne = "!="
	Lt = "<"
	Gt = ">"
)

// UUIDFacet is an id/parent/owner facet: match entries whose field is (or
// is not) Value.
type UUIDFacet struct {
	Value  uuid.UUID
	Op     string // Eq or Ne
	Active bool
}

// TimeFacet is a created/modified facet.
type TimeFacet struct {
	Value  int64
	Op     string // Eq, Lt, or Gt
	Active bool
}

// StringFacet is a user/group facet.
type StringFacet struct {
	Value  string
	Op     string // Eq or Ne
	Active bool
}

// Query is the set of optional facets a Predicate is compiled from.
// Deleted is a tri-valued facet: nil means "any".
type Query struct {
	Name     string // glob pattern; "" means match-all
	ID       UUIDFacet
	Parent   UUIDFacet
	Owner    UUIDFacet
	Created  TimeFacet
	Modified TimeFacet
	Deleted  *bool
	User     StringFacet
	Group    StringFacet
	Types    []fsoverlay.EntryType // empty means all three
}

// Predicate is a compiled Query, safe for repeated Match calls across a
// traversal.
type Predicate struct {
	q        Query
	nameGlob *regexp.Regexp
}

// Compile validates q's operands and compiles its name glob, returning
// errs.OperandInvalid for any unrecognized operand.
func Compile(q Query) (*Predicate, error) {
	p := &Predicate{q: q}
	if q.Name != "" {
		re, err := regexp.Compile("^" + globToRegex(q.Name) + "$")
		if err != nil {
			return nil, errs.Wrap(errs.OperandInvalid, "query.compile", err)
		}
		p.nameGlob = re
	}
	if q.ID.Active && !validUUIDOp(q.ID.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	if q.Parent.Active && !validUUIDOp(q.Parent.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	if q.Owner.Active && !validUUIDOp(q.Owner.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	if q.Created.Active && !validTimeOp(q.Created.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	if q.Modified.Active && !validTimeOp(q.Modified.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	if q.User.Active && !validEqOp(q.User.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	// The group operand is validated with the same =/!= set as user (spec
	// §9 Open Question 3: the operand parameter must be used consistently,
	// not swapped for a different argument).
	if q.Group.Active && !validEqOp(q.Group.Op) {
		return nil, errs.New(errs.OperandInvalid, "query.compile")
	}
	return p, nil
}

func validUUIDOp(op string) bool { return op == Eq || op == Ne }
func validEqOp(op string) bool   { return op == Eq || op == Ne }
func validTimeOp(op string) bool { return op == Eq || op == Lt || op == Gt }

func globToRegex(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '.', '+', '(', ')', '|', '^', '$', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Match reports whether e satisfies every active facet of p (spec §4.J:
// "only matches are yielded").
func (p *Predicate) Match(e *fsoverlay.Entry) bool {
	q := p.q
	if p.nameGlob != nil && !p.nameGlob.MatchString(e.Name) {
		return false
	}
	if q.ID.Active && !matchUUID(q.ID, e.ID) {
		return false
	}
	if q.Parent.Active && !matchUUID(q.Parent, e.Parent) {
		return false
	}
	if q.Owner.Active && !matchUUID(q.Owner, e.Owner) {
		return false
	}
	if q.Created.Active && !matchTime(q.Created, e.Created) {
		return false
	}
	if q.Modified.Active && !matchTime(q.Modified, e.Modified) {
		return false
	}
	if q.Deleted != nil && e.Deleted != *q.Deleted {
		return false
	}
	if q.User.Active && !matchString(q.User, e.User) {
		return false
	}
	if q.Group.Active && !matchString(q.Group, e.Group) {
		return false
	}
	if len(q.Types) > 0 && !containsType(q.Types, e.Type) {
		return false
	}
	return true
}

func matchUUID(f UUIDFacet, v uuid.UUID) bool {
	if f.Op == Ne {
		return v != f.Value
	}
	return v == f.Value
}

func matchString(f StringFacet, v string) bool {
	if f.Op == Ne {
		return v != f.Value
	}
	return v == f.Value
}

// matchTime applies the documented legacy tie-break (spec §8 Scenario 6):
// operand "<" actually matches entry values strictly greater than the
// comparison value. This is preserved, not corrected, per spec §9 Open
// Question: implementations must keep tests stable against this quirk.
func matchTime(f TimeFacet, v int64) bool {
	switch f.Op {
	case Eq:
		return v == f.Value
	case Lt:
		return v > f.Value
	case Gt:
		return v > f.Value
	default:
		return false
	}
}

func containsType(types []fsoverlay.EntryType, t fsoverlay.EntryType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
