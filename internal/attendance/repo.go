package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"geoattend/internal/model"
	"geoattend/internal/store"
)

const (
	subjectColumns = `id, name, reference_image, reference_url, created_at`
	zoneColumns    = `id, name, lat_a, lat_b, lon_a, lon_b, created_at, updated_at`
	eventColumns   = `id, subject_id, zone_name, status, latitude, longitude, distance, occurred_at`
)

// Repository persists subjects, zones and attendance events.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) q(query string) string {
	return r.db.Client.Rebind(query)
}

// FindZone returns a zone by id, or nil when absent.
func (r *Repository) FindZone(ctx context.Context, id string) (*model.Zone, error) {
	var z model.Zone
	err := r.db.Client.GetContext(ctx, &z, r.q(`SELECT `+zoneColumns+` FROM zones WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

// FindZoneByName returns a zone by its unique name, or nil when absent.
func (r *Repository) FindZoneByName(ctx context.Context, name string) (*model.Zone, error) {
	var z model.Zone
	err := r.db.Client.GetContext(ctx, &z, r.q(`SELECT `+zoneColumns+` FROM zones WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

// ListZones returns every zone ordered by name.
func (r *Repository) ListZones(ctx context.Context) ([]model.Zone, error) {
	zones := []model.Zone{}
	err := r.db.Client.SelectContext(ctx, &zones, `SELECT `+zoneColumns+` FROM zones ORDER BY name`)
	return zones, err
}

// UpsertZone creates the named zone or replaces its rectangle.
func (r *Repository) UpsertZone(ctx context.Context, name string, latA, latB, lonA, lonB float64) (*model.Zone, error) {
	now := time.Now().UTC()
	res, err := r.db.Client.ExecContext(ctx, r.q(`
		UPDATE zones SET lat_a = ?, lat_b = ?, lon_a = ?, lon_b = ?, updated_at = ?
		WHERE name = ?
	`), latA, latB, lonA, lonB, now, name)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return r.FindZoneByName(ctx, name)
	}

	z := model.Zone{
		ID: uuid.NewString(), Name: name,
		LatA: &latA, LatB: &latB, LonA: &lonA, LonB: &lonB,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err = r.db.Client.ExecContext(ctx, r.q(`
		INSERT INTO zones (`+zoneColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), z.ID, z.Name, z.LatA, z.LatB, z.LonA, z.LonB, z.CreatedAt, z.UpdatedAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Lost a create race; the winner's row is updated instead.
			return r.UpsertZone(ctx, name, latA, latB, lonA, lonB)
		}
		return nil, err
	}
	return &z, nil
}

// FindSubject returns a subject by exact id, or nil when absent.
func (r *Repository) FindSubject(ctx context.Context, id string) (*model.Subject, error) {
	var s model.Subject
	err := r.db.Client.GetContext(ctx, &s, r.q(`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSubjects returns every subject ordered by id.
func (r *Repository) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	subjects := []model.Subject{}
	err := r.db.Client.SelectContext(ctx, &subjects, `SELECT `+subjectColumns+` FROM subjects ORDER BY id`)
	return subjects, err
}

// CreateSubject inserts a subject, returning ErrSubjectExists on conflict.
func (r *Repository) CreateSubject(ctx context.Context, s model.Subject) error {
	err := insertSubject(ctx, r.db.Client, r.q, s)
	if store.IsUniqueViolation(err) {
		return ErrSubjectExists
	}
	return err
}

// SetReferenceURL records where a subject's reference image was mirrored.
func (r *Repository) SetReferenceURL(ctx context.Context, subjectID, url string) error {
	res, err := r.db.Client.ExecContext(ctx, r.q(`UPDATE subjects SET reference_url = ? WHERE id = ?`), url, subjectID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("subject %q not found", subjectID)
	}
	return nil
}

// LatestAcceptedSince returns the newest accepted event at or after since.
func (r *Repository) LatestAcceptedSince(ctx context.Context, subjectID string, since time.Time) (*model.Event, error) {
	var evt model.Event
	err := r.db.Client.GetContext(ctx, &evt, r.q(`
		SELECT `+eventColumns+` FROM attendance_events
		WHERE subject_id = ? AND status IN (?, ?) AND occurred_at >= ?
		ORDER BY occurred_at DESC
		LIMIT 1
	`), subjectID, model.StatusEnrolled, model.StatusPresent, since.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &evt, nil
}

// Admit writes an accepted event in one transaction. The subject row is
// created or locked first so that concurrent admissions for the same subject
// serialize on it, and the window is re-checked under that lock.
func (r *Repository) Admit(ctx context.Context, a Admission) (err error) {
	tx, err := r.db.Client.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin admission: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if a.NewSubject != nil {
		if err = insertSubject(ctx, tx, r.q, *a.NewSubject); err != nil {
			if store.IsUniqueViolation(err) {
				return ErrSubjectExists
			}
			return fmt.Errorf("insert subject: %w", err)
		}
	} else if r.db.SupportsRowLocks() {
		var id string
		if err = tx.GetContext(ctx, &id, r.q(`SELECT id FROM subjects WHERE id = ? FOR UPDATE`), a.Event.SubjectID); err != nil {
			return fmt.Errorf("lock subject: %w", err)
		}
	}

	var n int
	err = tx.GetContext(ctx, &n, r.q(`
		SELECT COUNT(*) FROM attendance_events
		WHERE subject_id = ? AND status IN (?, ?) AND occurred_at >= ?
	`), a.Event.SubjectID, model.StatusEnrolled, model.StatusPresent, a.WindowStart.UTC())
	if err != nil {
		return fmt.Errorf("recheck window: %w", err)
	}
	if n > 0 {
		err = ErrDuplicate
		return err
	}

	e := a.Event
	_, err = tx.ExecContext(ctx, r.q(`
		INSERT INTO attendance_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.SubjectID, e.ZoneName, e.Status, e.Latitude, e.Longitude, e.Distance, e.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit admission: %w", err)
	}
	return nil
}

// ListEvents returns accepted events, newest first.
func (r *Repository) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT ` + eventColumns + ` FROM attendance_events`
	var clauses []string
	var args []any
	if f.ZoneName != "" {
		clauses = append(clauses, "zone_name = ?")
		args = append(args, f.ZoneName)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	events := []model.Event{}
	err := r.db.Client.SelectContext(ctx, &events, r.q(query), args...)
	return events, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSubject(ctx context.Context, db execer, rebind func(string) string, s model.Subject) error {
	_, err := db.ExecContext(ctx, rebind(`
		INSERT INTO subjects (`+subjectColumns+`)
		VALUES (?, ?, ?, ?, ?)
	`), s.ID, s.Name, s.ReferenceImage, s.ReferenceURL, s.CreatedAt.UTC())
	return err
}
