package store

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrUniqueViolation is returned when an insert hits a uniqueness
// constraint. Use errors.As with *UniqueViolation to see which one.
var ErrUniqueViolation = errors.New("unique constraint violation")

// ConflictTarget names a uniqueness constraint by its table and columns.
// Upserts render their ON CONFLICT clause from it and insert errors are
// matched against it, so the SQL and the error mapping cannot drift apart.
type ConflictTarget struct {
	Table   string
	Columns []string
}

var (
	// VoteConflict is the one-vote-per-(trace, voter) constraint.
	VoteConflict = ConflictTarget{Table: "votes", Columns: []string{"trace_id", "voter_id"}}
	// DomainReputationConflict is the one-row-per-(contributor, domain) constraint.
	DomainReputationConflict = ConflictTarget{Table: "contributor_domain_reputation", Columns: []string{"contributor_id", "domain_tag"}}
	// RelationshipConflict is the one-edge-per-(source, target, type) constraint.
	RelationshipConflict = ConflictTarget{Table: "trace_relationships", Columns: []string{"source_trace_id", "target_trace_id", "relationship_type"}}
)

// OnConflict renders the ON CONFLICT(...) clause for an upsert.
func (c ConflictTarget) OnConflict() string {
	return "ON CONFLICT(" + strings.Join(c.Columns, ", ") + ")"
}

// qualified renders the column list the way SQLite reports it in a
// constraint error: "votes.trace_id, votes.voter_id".
func (c ConflictTarget) qualified() string {
	parts := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		parts[i] = c.Table + "." + col
	}
	return strings.Join(parts, ", ")
}

func (c ConflictTarget) String() string {
	return c.Table + "(" + strings.Join(c.Columns, ", ") + ")"
}

// UniqueViolation reports which constraint an insert collided with.
type UniqueViolation struct {
	Target ConflictTarget
	Err    error
}

func (e *UniqueViolation) Error() string {
	return fmt.Sprintf("unique violation on %s: %v", e.Target, e.Err)
}

func (e *UniqueViolation) Unwrap() error { return e.Err }

func (e *UniqueViolation) Is(target error) bool { return target == ErrUniqueViolation }

// Matches reports whether err is a SQLite UNIQUE failure on this target.
func (c ConflictTarget) Matches(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	if serr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && serr.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return false
	}
	return strings.Contains(serr.Error(), c.qualified())
}

// asUniqueViolation wraps err in a *UniqueViolation when it matches target.
func asUniqueViolation(err error, target ConflictTarget) error {
	if target.Matches(err) {
		return &UniqueViolation{Target: target, Err: err}
	}
	return err
}
