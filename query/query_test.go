package query

import (
	"testing"

	"github.com/google/uuid"
	"github.com/kristoffer-paulsson/archive7/errs"
	"github.com/kristoffer-paulsson/archive7/internal/fsoverlay"
)

func isErrKind(err error, kind errs.Kind) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Kind == kind
}

func TestCompileRejectsInvalidOperand(t *testing.T) {
	_, err := Compile(Query{ID: UUIDFacet{Active: true, Op: "<"}})
	if !isErrKind(err, errs.OperandInvalid) {
		t.Fatalf("expected OperandInvalid for UUID facet with '<', got %v", err)
	}

	_, err = Compile(Query{Created: TimeFacet{Active: true, Op: "!="}})
	if !isErrKind(err, errs.OperandInvalid) {
		t.Fatalf("expected OperandInvalid for time facet with '!=', got %v", err)
	}

	_, err = Compile(Query{Group: StringFacet{Active: true, Op: "<"}})
	if !isErrKind(err, errs.OperandInvalid) {
		t.Fatalf("expected OperandInvalid for group facet with '<', got %v", err)
	}
}

func TestNameGlobMatching(t *testing.T) {
	p, err := Compile(Query{Name: "*.txt"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !p.Match(&fsoverlay.Entry{Name: "readme.txt"}) {
		t.Fatal("expected *.txt to match readme.txt")
	}
	if p.Match(&fsoverlay.Entry{Name: "readme.md"}) {
		t.Fatal("expected *.txt to reject readme.md")
	}

	p2, err := Compile(Query{Name: "file?.log"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !p2.Match(&fsoverlay.Entry{Name: "file1.log"}) {
		t.Fatal("expected file?.log to match file1.log")
	}
	if p2.Match(&fsoverlay.Entry{Name: "file12.log"}) {
		t.Fatal("expected file?.log to reject file12.log")
	}
}

func TestUUIDFacetEqAndNe(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	p, err := Compile(Query{Owner: UUIDFacet{Active: true, Op: Eq, Value: owner}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !p.Match(&fsoverlay.Entry{Owner: owner}) {
		t.Fatal("expected eq match on same owner")
	}
	if p.Match(&fsoverlay.Entry{Owner: other}) {
		t.Fatal("expected eq mismatch on different owner")
	}

	pNe, err := Compile(Query{Owner: UUIDFacet{Active: true, Op: Ne, Value: owner}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if pNe.Match(&fsoverlay.Entry{Owner: owner}) {
		t.Fatal("expected ne mismatch on same owner")
	}
	if !pNe.Match(&fsoverlay.Entry{Owner: other}) {
		t.Fatal("expected ne match on different owner")
	}
}

func TestTimeFacetLegacyTieBreak(t *testing.T) {
	p, err := Compile(Query{Created: TimeFacet{Active: true, Op: Lt, Value: 100}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// The documented quirk: operand "<" matches values strictly greater
	// than the comparison value, not less than.
	if p.Match(&fsoverlay.Entry{Created: 50}) {
		t.Fatal("'<' should not match a strictly smaller created time")
	}
	if !p.Match(&fsoverlay.Entry{Created: 150}) {
		t.Fatal("'<' should match a strictly greater created time")
	}

	pGt, err := Compile(Query{Modified: TimeFacet{Active: true, Op: Gt, Value: 100}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pGt.Match(&fsoverlay.Entry{Modified: 150}) {
		t.Fatal("'>' should match a strictly greater modified time")
	}
	if pGt.Match(&fsoverlay.Entry{Modified: 50}) {
		t.Fatal("'>' should not match a strictly smaller modified time")
	}
}

func TestDeletedTriValuedFacet(t *testing.T) {
	pAny, err := Compile(Query{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pAny.Match(&fsoverlay.Entry{Deleted: true}) || !pAny.Match(&fsoverlay.Entry{Deleted: false}) {
		t.Fatal("nil Deleted facet should match regardless of deletion state")
	}

	yes := true
	pDeleted, err := Compile(Query{Deleted: &yes})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if pDeleted.Match(&fsoverlay.Entry{Deleted: false}) {
		t.Fatal("Deleted=true facet should reject a live entry")
	}
	if !pDeleted.Match(&fsoverlay.Entry{Deleted: true}) {
		t.Fatal("Deleted=true facet should match a deleted entry")
	}
}

func TestTypeFacet(t *testing.T) {
	p, err := Compile(Query{Types: []fsoverlay.EntryType{fsoverlay.TypeDir, fsoverlay.TypeLink}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !p.Match(&fsoverlay.Entry{Type: fsoverlay.TypeDir}) {
		t.Fatal("expected dir to match")
	}
	if p.Match(&fsoverlay.Entry{Type: fsoverlay.TypeFile}) {
		t.Fatal("expected file to be excluded")
	}
}
