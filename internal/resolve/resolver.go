// Package resolve turns a declarative targeting scope into the concrete,
// deduplicated recipient list a dispatch cycle delivers to.
package resolve

import (
	"context"
	"fmt"

	"bellman/internal/store"
	logx "bellman/pkg/logx"
)

// Directory is the read-only subject lookup the resolver needs. The sqlite
// store satisfies it; tests substitute a fake.
type Directory interface {
	StudentsByIDs(ctx context.Context, schoolID string, ids []string) ([]store.Student, error)
	StudentsByClassLevels(ctx context.Context, schoolID string, classLevelIDs []string) ([]store.Student, error)
	StudentsBySchool(ctx context.Context, schoolID string) ([]store.Student, error)
	ClassLevelsByGrades(ctx context.Context, schoolID string, gradeIDs []string) ([]string, error)
	GuardiansByStudents(ctx context.Context, studentIDs []string) ([]store.Guardian, error)
}

// Audience selects which recipient classes a notification addresses.
// The two flags are independent.
type Audience struct {
	Students  bool
	Guardians bool
}

type Resolver struct {
	dir Directory
	log logx.Logger
}

func New(dir Directory, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{dir: dir, log: log}
}

// Resolve expands scope into addressable recipients.
//
// Recipients are deduplicated by email (falling back to phone); the first
// occurrence wins, so a guardian linked to two targeted students receives
// one message. Entries with neither address are dropped silently. A scope
// matching zero students yields an empty list, not an error.
func (r *Resolver) Resolve(ctx context.Context, scope store.TargetScope, schoolID string, aud Audience) ([]store.Recipient, error) {
	students, err := r.students(ctx, scope, schoolID)
	if err != nil {
		return nil, err
	}
	if len(students) == 0 {
		return nil, nil
	}

	var raw []store.Recipient
	if aud.Students {
		for _, st := range students {
			raw = append(raw, store.Recipient{
				Email:       st.Email,
				Phone:       st.Phone,
				DisplayName: st.Name,
				Kind:        store.KindSelf,
			})
		}
	}
	if aud.Guardians {
		ids := make([]string, len(students))
		for i, st := range students {
			ids[i] = st.ID
		}
		guardians, err := r.dir.GuardiansByStudents(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load guardians: %w", err)
		}
		for _, g := range guardians {
			raw = append(raw, store.Recipient{
				Email:       g.Email,
				Phone:       g.Phone,
				DisplayName: g.Name,
				Kind:        store.KindGuardian,
			})
		}
	}

	out := make([]store.Recipient, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	dropped := 0
	for _, rec := range raw {
		if !rec.Addressable() {
			dropped++
			continue
		}
		key := rec.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec)
	}
	if dropped > 0 {
		r.log.Debug("dropped unaddressable recipients",
			logx.Int("dropped", dropped), logx.String("school", schoolID))
	}
	return out, nil
}

func (r *Resolver) students(ctx context.Context, scope store.TargetScope, schoolID string) ([]store.Student, error) {
	switch scope.Kind {
	case store.ScopeExplicit:
		sts, err := r.dir.StudentsByIDs(ctx, schoolID, scope.IDs)
		if err != nil {
			return nil, fmt.Errorf("load students by id: %w", err)
		}
		return sts, nil
	case store.ScopeClassLevels:
		sts, err := r.dir.StudentsByClassLevels(ctx, schoolID, scope.IDs)
		if err != nil {
			return nil, fmt.Errorf("load students by class level: %w", err)
		}
		return sts, nil
	case store.ScopeGrades:
		levels, err := r.dir.ClassLevelsByGrades(ctx, schoolID, scope.IDs)
		if err != nil {
			return nil, fmt.Errorf("resolve grades: %w", err)
		}
		if len(levels) == 0 {
			return nil, nil
		}
		sts, err := r.dir.StudentsByClassLevels(ctx, schoolID, levels)
		if err != nil {
			return nil, fmt.Errorf("load students by class level: %w", err)
		}
		return sts, nil
	case store.ScopeSchoolWide:
		sts, err := r.dir.StudentsBySchool(ctx, schoolID)
		if err != nil {
			return nil, fmt.Errorf("load school students: %w", err)
		}
		return sts, nil
	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
}
