package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with '?' placeholders and rebound per dialect.
type sqlStore struct {
	db       *sql.DB
	dollarPH bool
}

const instanceColumns = `id, workflow, repository_id, issue_number, title, body, url, status,
	triage_classification, triage_reasoning, fix_summary, issue_comment, pr_url, pr_number,
	branch_name, retry_count, started_at, resolved_at, created_at, updated_at, wake_at,
	lease_owner, lease_expires_at`

func (s *sqlStore) q(query string) string {
	if !s.dollarPH {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func triageColumns(t *api.TriageResult) (sql.NullString, sql.NullString) {
	if t == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return sql.NullString{String: string(t.Classification), Valid: true},
		sql.NullString{String: t.Reasoning, Valid: true}
}

func (s *sqlStore) CreateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	cls, reasoning := triageColumns(inst.Triage)
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0)`),
		inst.ID,
		inst.Workflow,
		inst.RepositoryID,
		inst.IssueNumber,
		inst.Title,
		inst.Body,
		inst.URL,
		string(inst.Status),
		cls,
		reasoning,
		inst.FixSummary,
		inst.IssueComment,
		inst.PRURL,
		inst.PRNumber,
		inst.BranchName,
		inst.RetryCount,
		toNanos(inst.StartedAt),
		toNanos(inst.ResolvedAt),
		toNanos(inst.CreatedAt),
		toNanos(inst.UpdatedAt),
		toNanos(inst.WakeAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrInstanceExists
		}
		return api.StorageError("create instance", err)
	}
	return nil
}

func (s *sqlStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	cls, reasoning := triageColumns(inst.Triage)
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET workflow = ?, repository_id = ?, issue_number = ?, title = ?, body = ?, url = ?, status = ?,
		    triage_classification = ?, triage_reasoning = ?, fix_summary = ?, issue_comment = ?,
		    pr_url = ?, pr_number = ?, branch_name = ?, retry_count = ?,
		    started_at = ?, resolved_at = ?, created_at = ?, updated_at = ?, wake_at = ?
		WHERE id = ?`),
		inst.Workflow,
		inst.RepositoryID,
		inst.IssueNumber,
		inst.Title,
		inst.Body,
		inst.URL,
		string(inst.Status),
		cls,
		reasoning,
		inst.FixSummary,
		inst.IssueComment,
		inst.PRURL,
		inst.PRNumber,
		inst.BranchName,
		inst.RetryCount,
		toNanos(inst.StartedAt),
		toNanos(inst.ResolvedAt),
		toNanos(inst.CreatedAt),
		toNanos(inst.UpdatedAt),
		toNanos(inst.WakeAt),
		inst.ID,
	)
	if err != nil {
		return api.StorageError("update instance", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return api.StorageError("update instance", err)
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst                                api.WorkflowInstance
		status                              string
		cls, reasoning                      sql.NullString
		started, resolved, created, updated int64
		wake, le                            int64
	)
	err := row.Scan(
		&inst.ID,
		&inst.Workflow,
		&inst.RepositoryID,
		&inst.IssueNumber,
		&inst.Title,
		&inst.Body,
		&inst.URL,
		&status,
		&cls,
		&reasoning,
		&inst.FixSummary,
		&inst.IssueComment,
		&inst.PRURL,
		&inst.PRNumber,
		&inst.BranchName,
		&inst.RetryCount,
		&started,
		&resolved,
		&created,
		&updated,
		&wake,
		&inst.LeaseOwner,
		&le,
	)
	if err != nil {
		return nil, err
	}

	inst.Status = api.Status(status)
	if cls.Valid {
		inst.Triage = &api.TriageResult{
			Classification: api.Classification(cls.String),
			Reasoning:      reasoning.String,
		}
	}
	inst.StartedAt = fromNanos(started)
	inst.ResolvedAt = fromNanos(resolved)
	inst.CreatedAt = fromNanos(created)
	inst.UpdatedAt = fromNanos(updated)
	inst.WakeAt = fromNanos(wake)
	inst.LeaseExpiresAt = fromNanos(le)
	return &inst, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, api.StorageError("get instance", err)
	}
	return inst, nil
}

func (s *sqlStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.RepositoryID != "" {
		clauses = append(clauses, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, api.StorageError("list instances", err)
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, api.StorageError("list instances", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError("list instances", err)
	}
	return instances, nil
}

func (s *sqlStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at < ?)`),
		owner, now.Add(ttl).UnixNano(), instanceID, owner, now.UnixNano(),
	)
	if err != nil {
		return false, api.StorageError("acquire lease", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, api.StorageError("acquire lease", err)
	}
	if affected == 1 {
		return true, nil
	}

	if _, err := s.GetInstance(ctx, instanceID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`), instanceID, owner)
	return api.StorageError("release lease", err)
}

func (s *sqlStore) AppendActivity(ctx context.Context, instanceID string, d api.Details) (api.ActivityRecord, error) {
	payload, err := api.EncodeDetails(d)
	if err != nil {
		return api.ActivityRecord{}, err
	}
	rec := api.ActivityRecord{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Type:       d.Topic(),
		Details:    d,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO activity (id, instance_id, type, details, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		rec.ID, instanceID, string(rec.Type), string(payload), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return api.ActivityRecord{}, api.StorageError("append activity", err)
	}
	return rec, nil
}

func (s *sqlStore) ListActivity(ctx context.Context, instanceID string) ([]api.ActivityRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, type, details, created_at
		FROM activity
		WHERE instance_id = ?
		ORDER BY seq ASC`), instanceID)
	if err != nil {
		return nil, api.StorageError("list activity", err)
	}
	defer rows.Close()

	var out []api.ActivityRecord
	for rows.Next() {
		var (
			id, typ, details string
			created          int64
		)
		if err := rows.Scan(&id, &typ, &details, &created); err != nil {
			return nil, api.StorageError("list activity", err)
		}
		d, err := api.DecodeDetails(api.Topic(typ), []byte(details))
		if err != nil {
			return nil, fmt.Errorf("activity %s: %w", id, err)
		}
		out = append(out, api.ActivityRecord{
			ID:         id,
			InstanceID: instanceID,
			Type:       api.Topic(typ),
			Details:    d,
			CreatedAt:  fromNanos(created),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, api.StorageError("list activity", err)
	}
	return out, nil
}

func (s *sqlStore) LoadStep(ctx context.Context, instanceID, stepID string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT result FROM step_checkpoints WHERE instance_id = ? AND step_id = ?`),
		instanceID, stepID,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, api.StorageError("load step", err)
	}
	return data, true, nil
}

func (s *sqlStore) SaveStep(ctx context.Context, instanceID, stepID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO step_checkpoints (instance_id, step_id, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, step_id) DO NOTHING`),
		instanceID, stepID, data, time.Now().UnixNano(),
	)
	return api.StorageError("save step", err)
}

func (s *sqlStore) LoadWake(ctx context.Context, instanceID, sleepID string) (time.Time, bool, error) {
	var at int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT wake_at FROM sleep_checkpoints WHERE instance_id = ? AND sleep_id = ?`),
		instanceID, sleepID,
	).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, api.StorageError("load wake", err)
	}
	return time.Unix(0, at).UTC(), true, nil
}

func (s *sqlStore) SaveWake(ctx context.Context, instanceID, sleepID string, wakeAt time.Time) (time.Time, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sleep_checkpoints (instance_id, sleep_id, wake_at)
		VALUES (?, ?, ?)
		ON CONFLICT (instance_id, sleep_id) DO NOTHING`),
		instanceID, sleepID, wakeAt.UnixNano(),
	)
	if err != nil {
		return time.Time{}, api.StorageError("save wake", err)
	}
	stored, ok, err := s.LoadWake(ctx, instanceID, sleepID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, api.StorageError("save wake", errors.New("wake time vanished after insert"))
	}
	return stored, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
