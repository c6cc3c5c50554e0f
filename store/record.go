package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/wippyai/fibers/errors"
	"github.com/wippyai/fibers/methoddb"
)

// CallSite is one stored call-site row.
type CallSite struct {
	Class    string
	Method   string
	Target   string
	Ordinal  int
	Original int
	Final    int
}

// Suspendable is one stored verdict.
type Suspendable struct {
	Method  string
	Verdict methoddb.Classification
}

// RecordDatabase stores the call sites and the suspendable verdicts cached
// in db under build. It runs in one transaction.
func (s *Store) RecordDatabase(ctx context.Context, build uuid.UUID, db *methoddb.MethodDatabase) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.IO(errors.PhaseStore, err, "begin")
	}
	if err := recordClasses(ctx, tx, build.String(), db.Classes()); err != nil {
		tx.Rollback()
		return errors.IO(errors.PhaseStore, err, "record build "+build.String())
	}
	if err := tx.Commit(); err != nil {
		return errors.IO(errors.PhaseStore, err, "commit")
	}
	return nil
}

func recordClasses(ctx context.Context, tx *sql.Tx, build string, classes []*methoddb.ClassEntry) error {
	siteStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO call_sites (build_id, class, method, ordinal, original, final, target)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare call sites: %w", err)
	}
	defer siteStmt.Close()

	verdictStmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO suspendables (build_id, method, verdict) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare suspendables: %w", err)
	}
	defer verdictStmt.Close()

	for _, ce := range classes {
		for _, me := range ce.Methods() {
			ref := ce.Name() + "." + me.Signature()
			if v := me.Classification(); v.MaySuspend() {
				if _, err := verdictStmt.ExecContext(ctx, build, ref, v.String()); err != nil {
					return fmt.Errorf("insert verdict %s: %w", ref, err)
				}
			}
			for i, cs := range me.CallSites() {
				_, err := siteStmt.ExecContext(ctx, build, ce.Name(), me.Signature(), i,
					cs.Original, cs.Final, cs.Target.String())
				if err != nil {
					return fmt.Errorf("insert call site %s #%d: %w", ref, i, err)
				}
			}
		}
	}
	return nil
}

// CallSites returns the call sites stored for class under build in method
// and ordinal order.
func (s *Store) CallSites(ctx context.Context, build uuid.UUID, class string) ([]CallSite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT class, method, ordinal, original, final, target FROM call_sites
		 WHERE build_id = ? AND class = ? ORDER BY method, ordinal`,
		build.String(), class)
	if err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "query call sites")
	}
	defer rows.Close()

	var out []CallSite
	for rows.Next() {
		var cs CallSite
		if err := rows.Scan(&cs.Class, &cs.Method, &cs.Ordinal, &cs.Original, &cs.Final, &cs.Target); err != nil {
			return nil, errors.IO(errors.PhaseStore, err, "scan call site")
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "iterate call sites")
	}
	return out, nil
}

// KnownSuspendables returns every verdict recorded by any build. A method
// recorded as Suspendable by one build and SuspendableSuper by another is
// reported as Suspendable.
func (s *Store) KnownSuspendables(ctx context.Context) ([]Suspendable, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT method, verdict FROM suspendables ORDER BY method")
	if err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "query suspendables")
	}
	defer rows.Close()

	var out []Suspendable
	for rows.Next() {
		var method, verdict string
		if err := rows.Scan(&method, &verdict); err != nil {
			return nil, errors.IO(errors.PhaseStore, err, "scan suspendable")
		}
		v, err := parseVerdict(verdict)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Method == method {
			out[n-1].Verdict = max(out[n-1].Verdict, v)
			continue
		}
		out = append(out, Suspendable{Method: method, Verdict: v})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.IO(errors.PhaseStore, err, "iterate suspendables")
	}
	return out, nil
}

// SuspendableLists splits known verdicts into the suspendables and
// suspendable-supers lists accepted by the default classifier.
func (s *Store) SuspendableLists(ctx context.Context) (suspendables, supers []string, err error) {
	known, err := s.KnownSuspendables(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, k := range known {
		if k.Verdict == methoddb.Suspendable {
			suspendables = append(suspendables, k.Method)
		} else {
			supers = append(supers, k.Method)
		}
	}
	return suspendables, supers, nil
}

func parseVerdict(s string) (methoddb.Classification, error) {
	for _, v := range []methoddb.Classification{methoddb.SuspendableSuper, methoddb.Suspendable} {
		if v.String() == s {
			return v, nil
		}
	}
	return methoddb.Unknown, errors.InvalidData(errors.PhaseStore, fmt.Sprintf("unknown verdict %q", s))
}
