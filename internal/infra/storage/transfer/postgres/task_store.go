// Package postgres provides a PostgreSQL implementation of transfer.TaskRepository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/internal/infra/storage"
)

// Ensure taskStore implements transfer.TaskRepository at compile time.
var _ transfer.TaskRepository = (*taskStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
	attribute.String("db.table", "transfer_tasks"),
}

const taskColumns = `id, tenant_id, owner, parent_task_id, root_task_id, source, dest, status, attempts,
	total_size, bytes_transferred, total_files, created_at, start_time, end_time, last_updated`

// taskStore implements transfer.TaskRepository on a pgx pool. Every
// conditional write is a single UPDATE guarded by the blocking statuses for
// the target status, so two racing finalizers cannot both apply.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a TaskRepository backed by PostgreSQL.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer}
}

func attrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	out = append(out, defaultDBAttributes...)
	return append(out, extra...)
}

func nullUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*transfer.Task, error) {
	var (
		id, parent, root            pgtype.UUID
		tenantID, owner, src, dst   string
		status                      string
		attempts                    int32
		totalSize, bytes, files     int64
		created, start, end, update pgtype.Timestamptz
	)
	if err := row.Scan(
		&id, &tenantID, &owner, &parent, &root, &src, &dst, &status, &attempts,
		&totalSize, &bytes, &files, &created, &start, &end, &update,
	); err != nil {
		return nil, err
	}

	st, err := transfer.ParseTaskStatus(status)
	if err != nil {
		return nil, err
	}

	state := transfer.TaskState{
		ID:               id.Bytes,
		TenantID:         tenantID,
		Owner:            owner,
		Source:           src,
		Dest:             dst,
		Status:           st,
		Attempts:         int(attempts),
		TotalSize:        totalSize,
		BytesTransferred: bytes,
		TotalFiles:       files,
		CreatedAt:        created.Time.UTC(),
		LastUpdated:      update.Time.UTC(),
	}
	if parent.Valid {
		state.ParentTaskID = parent.Bytes
	}
	if root.Valid {
		state.RootTaskID = root.Bytes
	}
	if start.Valid {
		state.StartTime = start.Time.UTC()
	}
	if end.Valid {
		state.EndTime = end.Time.UTC()
	}
	return transfer.ReconstructTask(state), nil
}

const insertTaskSQL = `INSERT INTO transfer_tasks (` + taskColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

func insertArgs(st transfer.TaskState) []any {
	return []any{
		st.ID, st.TenantID, st.Owner, nullUUID(st.ParentTaskID), nullUUID(st.RootTaskID),
		st.Source, st.Dest, string(st.Status), int32(st.Attempts),
		st.TotalSize, st.BytesTransferred, st.TotalFiles,
		st.CreatedAt, nullTime(st.StartTime), nullTime(st.EndTime), st.LastUpdated,
	}
}

// CreateTask persists a new task.
func (s *taskStore) CreateTask(ctx context.Context, task *transfer.Task) error {
	dbAttrs := attrs(
		attribute.String("task_id", task.ID().String()),
		attribute.String("tenant_id", task.TenantID()),
		attribute.String("status", task.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_transfer_task", dbAttrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, insertTaskSQL, insertArgs(task.State())...); err != nil {
			return fmt.Errorf("insert transfer task: %w", err)
		}
		return nil
	})
}

// CreateOrGetChild inserts the child unless a sibling with the same tree,
// source and destination exists, and returns whichever row is stored.
func (s *taskStore) CreateOrGetChild(ctx context.Context, task *transfer.Task) (*transfer.Task, error) {
	st := task.State()
	dbAttrs := attrs(
		attribute.String("task_id", st.ID.String()),
		attribute.String("root_task_id", st.RootTaskID.String()),
	)

	var out *transfer.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_or_get_child", dbAttrs, func(ctx context.Context) error {
		q := insertTaskSQL + ` ON CONFLICT (tenant_id, root_task_id, source, dest)
			WHERE parent_task_id IS NOT NULL DO NOTHING`
		if _, err := s.pool.Exec(ctx, q, insertArgs(st)...); err != nil {
			return fmt.Errorf("insert child task: %w", err)
		}

		row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM transfer_tasks
			WHERE tenant_id = $1 AND root_task_id = $2 AND source = $3 AND dest = $4
			AND parent_task_id IS NOT NULL`,
			st.TenantID, nullUUID(st.RootTaskID), st.Source, st.Dest)
		t, err := scanTask(row)
		if err != nil {
			return fmt.Errorf("select child task: %w", err)
		}
		out = t
		return nil
	})
	return out, err
}

// GetTask returns the task or transfer.ErrTaskNotFound.
func (s *taskStore) GetTask(ctx context.Context, tenantID string, id uuid.UUID) (*transfer.Task, error) {
	dbAttrs := attrs(attribute.String("task_id", id.String()), attribute.String("tenant_id", tenantID))

	var out *transfer.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_transfer_task", dbAttrs, func(ctx context.Context) error {
		t, err := s.getTask(ctx, tenantID, id)
		out = t
		return err
	})
	return out, err
}

func (s *taskStore) getTask(ctx context.Context, tenantID string, id uuid.UUID) (*transfer.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM transfer_tasks WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transfer.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select transfer task: %w", err)
	}
	return t, nil
}

// conditional runs a guarded UPDATE ... RETURNING. When the guard rejects
// the write, the stored row is returned with applied=false.
func (s *taskStore) conditional(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	query string,
	args ...any,
) (*transfer.Task, bool, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("conditional update: %w", err)
	}

	stored, err := s.getTask(ctx, tenantID, id)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// UpdateStatus conditionally moves the task to status.
func (s *taskStore) UpdateStatus(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	status transfer.TaskStatus,
) (*transfer.Task, bool, error) {
	dbAttrs := attrs(
		attribute.String("task_id", id.String()),
		attribute.String("status", status.String()),
	)

	var (
		out     *transfer.Task
		applied bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_transfer_status", dbAttrs, func(ctx context.Context) error {
		q := `UPDATE transfer_tasks SET
				status = $3::text,
				last_updated = $4,
				start_time = CASE WHEN $3::text = 'ASSIGNED' AND start_time IS NULL THEN $4 ELSE start_time END,
				end_time = CASE WHEN $5::bool AND end_time IS NULL THEN $4 ELSE end_time END
			WHERE tenant_id = $1 AND id = $2 AND status <> ALL($6::text[])
			RETURNING ` + taskColumns

		var err error
		out, applied, err = s.conditional(ctx, tenantID, id, q,
			tenantID, id, string(status), time.Now().UTC(), status.IsTerminal(),
			transfer.StatusStrings(transfer.BlockingStatuses(status)),
		)
		return err
	})
	return out, applied, err
}

// UpdateTask conditionally replaces the task's status, attempts and counters.
func (s *taskStore) UpdateTask(ctx context.Context, task *transfer.Task) (*transfer.Task, bool, error) {
	st := task.State()
	dbAttrs := attrs(
		attribute.String("task_id", st.ID.String()),
		attribute.String("status", st.Status.String()),
		attribute.Int("attempts", st.Attempts),
	)

	var (
		out     *transfer.Task
		applied bool
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_transfer_task", dbAttrs, func(ctx context.Context) error {
		q := `UPDATE transfer_tasks SET
				status = $3::text,
				attempts = $4,
				total_size = $5,
				bytes_transferred = $6,
				total_files = $7,
				last_updated = $8,
				start_time = CASE WHEN $3::text = 'ASSIGNED' AND start_time IS NULL THEN $8 ELSE start_time END,
				end_time = CASE WHEN $9::bool AND end_time IS NULL THEN $8 ELSE end_time END
			WHERE tenant_id = $1 AND id = $2 AND status <> ALL($10::text[])
			RETURNING ` + taskColumns

		var err error
		out, applied, err = s.conditional(ctx, st.TenantID, st.ID, q,
			st.TenantID, st.ID, string(st.Status), int32(st.Attempts),
			st.TotalSize, st.BytesTransferred, st.TotalFiles,
			time.Now().UTC(), st.Status.IsTerminal(),
			transfer.StatusStrings(transfer.BlockingStatuses(st.Status)),
		)
		return err
	})
	return out, applied, err
}

// ChildSummary aggregates the immediate children of the parent.
func (s *taskStore) ChildSummary(ctx context.Context, tenantID string, parentID uuid.UUID) (transfer.ChildSummary, error) {
	dbAttrs := attrs(attribute.String("parent_task_id", parentID.String()))

	var sum transfer.ChildSummary
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.child_summary", dbAttrs, func(ctx context.Context) error {
		q := `SELECT
				COUNT(*),
				COUNT(*) FILTER (WHERE status = ANY($3::text[])),
				COUNT(*) FILTER (WHERE status = ANY($4::text[])),
				COUNT(*) FILTER (WHERE status = ANY($5::text[])),
				COALESCE(SUM(total_size), 0)::BIGINT,
				COALESCE(SUM(bytes_transferred), 0)::BIGINT,
				COALESCE(SUM(total_files), 0)::BIGINT
			FROM transfer_tasks
			WHERE tenant_id = $1 AND parent_task_id = $2`

		var total, terminal, quiescent, errored int64
		err := s.pool.QueryRow(ctx, q, tenantID, parentID,
			transfer.StatusStrings(transfer.TerminalStatuses()),
			transfer.StatusStrings(transfer.QuiescentStatuses()),
			transfer.StatusStrings(transfer.ErroredStatuses()),
		).Scan(&total, &terminal, &quiescent, &errored, &sum.TotalSize, &sum.BytesTransferred, &sum.TotalFiles)
		if err != nil {
			return fmt.Errorf("child summary: %w", err)
		}
		sum.Total, sum.Terminal, sum.Quiescent, sum.Errored = int(total), int(terminal), int(quiescent), int(errored)
		return nil
	})
	return sum, err
}

// AllChildrenCancelledOrCompleted reports whether every child is terminal.
func (s *taskStore) AllChildrenCancelledOrCompleted(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	sum, err := s.ChildSummary(ctx, tenantID, parentID)
	if err != nil {
		return false, err
	}
	return sum.AllTerminal(), nil
}

// AllChildrenQuiescent reports whether every child is terminal or interrupted.
func (s *taskStore) AllChildrenQuiescent(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	sum, err := s.ChildSummary(ctx, tenantID, parentID)
	if err != nil {
		return false, err
	}
	return sum.AllQuiescent(), nil
}

// SetStatusWhereNotTerminal moves every non-terminal node of the tree,
// including the root, to status.
func (s *taskStore) SetStatusWhereNotTerminal(
	ctx context.Context,
	tenantID string,
	rootID uuid.UUID,
	status transfer.TaskStatus,
) (int64, error) {
	dbAttrs := attrs(
		attribute.String("root_task_id", rootID.String()),
		attribute.String("status", status.String()),
	)

	var n int64
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_status_where_not_terminal", dbAttrs, func(ctx context.Context) error {
		q := `UPDATE transfer_tasks SET
				status = $3::text,
				last_updated = $4,
				end_time = CASE WHEN $5::bool AND end_time IS NULL THEN $4 ELSE end_time END
			WHERE tenant_id = $1 AND (root_task_id = $2 OR id = $2)
			AND status <> $3::text AND status <> ALL($6::text[])`

		tag, err := s.pool.Exec(ctx, q, tenantID, rootID, string(status), time.Now().UTC(), status.IsTerminal(),
			transfer.StatusStrings(transfer.BlockingStatuses(status)))
		if err != nil {
			return fmt.Errorf("set status where not terminal: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// ActiveRootTasks lists root tasks in an active status.
func (s *taskStore) ActiveRootTasks(ctx context.Context) ([]transfer.TaskRef, error) {
	var refs []transfer.TaskRef
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.active_root_tasks", attrs(), func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT tenant_id, id FROM transfer_tasks
			WHERE parent_task_id IS NULL AND root_task_id IS NULL AND status = ANY($1::text[])`,
			transfer.StatusStrings(transfer.ActiveStatuses()))
		if err != nil {
			return fmt.Errorf("active root tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ref transfer.TaskRef
			var id pgtype.UUID
			if err := rows.Scan(&ref.TenantID, &id); err != nil {
				return fmt.Errorf("scan active root: %w", err)
			}
			ref.ID = id.Bytes
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	return refs, err
}

// StaleTasks lists tasks that are neither terminal nor PAUSED, have no open
// child and have not been touched since cutoff. Leaves are included.
func (s *taskStore) StaleTasks(ctx context.Context, cutoff time.Time) ([]*transfer.Task, error) {
	dbAttrs := attrs(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	var out []*transfer.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.stale_tasks", dbAttrs, func(ctx context.Context) error {
		q := `SELECT ` + taskColumns + ` FROM transfer_tasks p
			WHERE p.status <> ALL($1::text[]) AND p.last_updated < $2
			AND NOT EXISTS (
				SELECT 1 FROM transfer_tasks c
				WHERE c.tenant_id = p.tenant_id AND c.parent_task_id = p.id AND c.status <> ALL($3::text[])
			)`

		rows, err := s.pool.Query(ctx, q,
			transfer.StatusStrings(transfer.RestingStatuses()), cutoff,
			transfer.StatusStrings(transfer.TerminalStatuses()))
		if err != nil {
			return fmt.Errorf("stale tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan stale task: %w", err)
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}
