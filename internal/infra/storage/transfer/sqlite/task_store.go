// Package sqlite provides an embedded, single-node implementation of
// transfer.TaskRepository on gorm and SQLite.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/internal/infra/storage"
)

var _ transfer.TaskRepository = (*TaskStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "sqlite"),
	attribute.String("db.table", "transfer_tasks"),
}

// taskRow is the gorm model for transfer_tasks.
type taskRow struct {
	ID               string  `gorm:"primaryKey;size:36"`
	TenantID         string  `gorm:"not null;index:idx_transfer_tasks_parent,priority:1"`
	Owner            string  `gorm:"not null"`
	ParentTaskID     *string `gorm:"size:36;index:idx_transfer_tasks_parent,priority:2"`
	RootTaskID       *string `gorm:"size:36;index"`
	Source           string  `gorm:"not null"`
	Dest             string  `gorm:"not null"`
	Status           string  `gorm:"not null;index"`
	Attempts         int     `gorm:"not null;default:0"`
	TotalSize        int64   `gorm:"not null;default:0"`
	BytesTransferred int64   `gorm:"not null;default:0"`
	TotalFiles       int64   `gorm:"not null;default:0"`
	CreatedAt        time.Time
	StartTime        *time.Time
	EndTime          *time.Time
	LastUpdated      time.Time `gorm:"index"`
}

func (taskRow) TableName() string { return "transfer_tasks" }

func optID(id uuid.UUID) *string {
	if id == uuid.Nil {
		return nil
	}
	s := id.String()
	return &s
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toRow(st transfer.TaskState) taskRow {
	return taskRow{
		ID:               st.ID.String(),
		TenantID:         st.TenantID,
		Owner:            st.Owner,
		ParentTaskID:     optID(st.ParentTaskID),
		RootTaskID:       optID(st.RootTaskID),
		Source:           st.Source,
		Dest:             st.Dest,
		Status:           string(st.Status),
		Attempts:         st.Attempts,
		TotalSize:        st.TotalSize,
		BytesTransferred: st.BytesTransferred,
		TotalFiles:       st.TotalFiles,
		CreatedAt:        st.CreatedAt,
		StartTime:        optTime(st.StartTime),
		EndTime:          optTime(st.EndTime),
		LastUpdated:      st.LastUpdated,
	}
}

func (r taskRow) state() (transfer.TaskState, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return transfer.TaskState{}, fmt.Errorf("parse task id: %w", err)
	}
	status, err := transfer.ParseTaskStatus(r.Status)
	if err != nil {
		return transfer.TaskState{}, err
	}

	st := transfer.TaskState{
		ID:               id,
		TenantID:         r.TenantID,
		Owner:            r.Owner,
		Source:           r.Source,
		Dest:             r.Dest,
		Status:           status,
		Attempts:         r.Attempts,
		TotalSize:        r.TotalSize,
		BytesTransferred: r.BytesTransferred,
		TotalFiles:       r.TotalFiles,
		CreatedAt:        r.CreatedAt.UTC(),
		LastUpdated:      r.LastUpdated.UTC(),
	}
	if r.ParentTaskID != nil {
		if st.ParentTaskID, err = uuid.Parse(*r.ParentTaskID); err != nil {
			return transfer.TaskState{}, fmt.Errorf("parse parent id: %w", err)
		}
	}
	if r.RootTaskID != nil {
		if st.RootTaskID, err = uuid.Parse(*r.RootTaskID); err != nil {
			return transfer.TaskState{}, fmt.Errorf("parse root id: %w", err)
		}
	}
	if r.StartTime != nil {
		st.StartTime = r.StartTime.UTC()
	}
	if r.EndTime != nil {
		st.EndTime = r.EndTime.UTC()
	}
	return st, nil
}

func (r taskRow) task() (*transfer.Task, error) {
	st, err := r.state()
	if err != nil {
		return nil, err
	}
	return transfer.ReconstructTask(st), nil
}

// TaskStore is a gorm-backed TaskRepository. SQLite serializes writers, so
// the store limits itself to one open connection and every conditional write
// runs as a read-check-write transaction.
type TaskStore struct {
	db     *gorm.DB
	tracer trace.Tracer
	now    func() time.Time
}

// Open connects to the SQLite database at dsn and migrates the schema.
// Use "file:<name>?mode=memory&cache=shared" for an ephemeral store.
func Open(dsn string, tracer trace.Tracer) (*TaskStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB from gorm.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&taskRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate transfer_tasks: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_transfer_tasks_child_path
		ON transfer_tasks (tenant_id, root_task_id, source, dest) WHERE parent_task_id IS NOT NULL`).Error; err != nil {
		return nil, fmt.Errorf("failed to create child path index: %w", err)
	}

	return &TaskStore{db: db, tracer: tracer, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the underlying connection.
func (s *TaskStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB from gorm.DB: %w", err)
	}
	return sqlDB.Close()
}

func (s *TaskStore) trace(ctx context.Context, name string, fn func(ctx context.Context) error, extra ...attribute.KeyValue) error {
	attrs := append(append([]attribute.KeyValue{}, defaultDBAttributes...), extra...)
	return storage.ExecuteAndTrace(ctx, s.tracer, "sqlite."+name, attrs, fn)
}

// CreateTask persists a new task.
func (s *TaskStore) CreateTask(ctx context.Context, task *transfer.Task) error {
	return s.trace(ctx, "create_transfer_task", func(ctx context.Context) error {
		row := toRow(task.State())
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("insert transfer task: %w", err)
		}
		return nil
	}, attribute.String("task_id", task.ID().String()))
}

// CreateOrGetChild inserts the child unless a sibling with the same tree,
// source and destination exists, and returns whichever row is stored.
func (s *TaskStore) CreateOrGetChild(ctx context.Context, task *transfer.Task) (*transfer.Task, error) {
	var out *transfer.Task
	err := s.trace(ctx, "create_or_get_child", func(ctx context.Context) error {
		row := toRow(task.State())
		db := s.db.WithContext(ctx)
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("insert child task: %w", err)
		}

		var stored taskRow
		err := db.Where("tenant_id = ? AND root_task_id = ? AND source = ? AND dest = ? AND parent_task_id IS NOT NULL",
			row.TenantID, row.RootTaskID, row.Source, row.Dest).First(&stored).Error
		if err != nil {
			return fmt.Errorf("select child task: %w", err)
		}
		out, err = stored.task()
		return err
	}, attribute.String("task_id", task.ID().String()))
	return out, err
}

func (s *TaskStore) load(db *gorm.DB, tenantID string, id uuid.UUID) (taskRow, error) {
	var row taskRow
	err := db.Where("tenant_id = ? AND id = ?", tenantID, id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, transfer.ErrTaskNotFound
	}
	if err != nil {
		return row, fmt.Errorf("select transfer task: %w", err)
	}
	return row, nil
}

// GetTask returns the task or transfer.ErrTaskNotFound.
func (s *TaskStore) GetTask(ctx context.Context, tenantID string, id uuid.UUID) (*transfer.Task, error) {
	var out *transfer.Task
	err := s.trace(ctx, "get_transfer_task", func(ctx context.Context) error {
		row, err := s.load(s.db.WithContext(ctx), tenantID, id)
		if err != nil {
			return err
		}
		out, err = row.task()
		return err
	}, attribute.String("task_id", id.String()))
	return out, err
}

// conditional loads the row, lets mutate produce the next state when the
// write is allowed, and stores it guarded on the status that was read.
func (s *TaskStore) conditional(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	next transfer.TaskStatus,
	mutate func(t *transfer.Task) transfer.TaskState,
) (*transfer.Task, bool, error) {
	var (
		out     *transfer.Task
		applied bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.load(tx, tenantID, id)
		if err != nil {
			return err
		}
		current, err := row.task()
		if err != nil {
			return err
		}
		if !transfer.CanApply(current.Status(), next) {
			out = current
			return nil
		}

		updated := toRow(mutate(current.Clone()))
		res := tx.Model(&taskRow{}).
			Where("tenant_id = ? AND id = ? AND status = ?", tenantID, id.String(), row.Status).
			Select("status", "attempts", "total_size", "bytes_transferred", "total_files",
				"start_time", "end_time", "last_updated").
			Updates(&updated)
		if res.Error != nil {
			return fmt.Errorf("conditional update: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			out = current
			return nil
		}
		out, err = updated.task()
		applied = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, applied, nil
}

// UpdateStatus conditionally moves the task to status.
func (s *TaskStore) UpdateStatus(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	status transfer.TaskStatus,
) (*transfer.Task, bool, error) {
	var (
		out     *transfer.Task
		applied bool
	)
	err := s.trace(ctx, "update_transfer_status", func(ctx context.Context) error {
		var err error
		out, applied, err = s.conditional(ctx, tenantID, id, status, func(t *transfer.Task) transfer.TaskState {
			t.ApplyStatus(status, s.now())
			return t.State()
		})
		return err
	}, attribute.String("task_id", id.String()), attribute.String("status", status.String()))
	return out, applied, err
}

// UpdateTask conditionally replaces the task's status, attempts and counters.
func (s *TaskStore) UpdateTask(ctx context.Context, task *transfer.Task) (*transfer.Task, bool, error) {
	next := task.State()

	var (
		out     *transfer.Task
		applied bool
	)
	err := s.trace(ctx, "update_transfer_task", func(ctx context.Context) error {
		var err error
		out, applied, err = s.conditional(ctx, next.TenantID, next.ID, next.Status, func(t *transfer.Task) transfer.TaskState {
			t.ApplyStatus(next.Status, s.now())
			st := t.State()
			st.Attempts = next.Attempts
			st.TotalSize = next.TotalSize
			st.BytesTransferred = next.BytesTransferred
			st.TotalFiles = next.TotalFiles
			return st
		})
		return err
	}, attribute.String("task_id", next.ID.String()), attribute.String("status", next.Status.String()))
	return out, applied, err
}

func (s *TaskStore) children(ctx context.Context, tenantID string, parentID uuid.UUID) ([]taskRow, error) {
	var rows []taskRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND parent_task_id = ?", tenantID, parentID.String()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("select children: %w", err)
	}
	return rows, nil
}

// ChildSummary aggregates the immediate children of the parent.
func (s *TaskStore) ChildSummary(ctx context.Context, tenantID string, parentID uuid.UUID) (transfer.ChildSummary, error) {
	var sum transfer.ChildSummary
	err := s.trace(ctx, "child_summary", func(ctx context.Context) error {
		rows, err := s.children(ctx, tenantID, parentID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			st, err := r.state()
			if err != nil {
				return err
			}
			sum.Add(st)
		}
		return nil
	}, attribute.String("parent_task_id", parentID.String()))
	return sum, err
}

// AllChildrenCancelledOrCompleted reports whether every child is terminal.
func (s *TaskStore) AllChildrenCancelledOrCompleted(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	sum, err := s.ChildSummary(ctx, tenantID, parentID)
	if err != nil {
		return false, err
	}
	return sum.AllTerminal(), nil
}

// AllChildrenQuiescent reports whether every child is terminal or interrupted.
func (s *TaskStore) AllChildrenQuiescent(ctx context.Context, tenantID string, parentID uuid.UUID) (bool, error) {
	sum, err := s.ChildSummary(ctx, tenantID, parentID)
	if err != nil {
		return false, err
	}
	return sum.AllQuiescent(), nil
}

// SetStatusWhereNotTerminal moves every non-terminal node of the tree,
// including the root, to status.
func (s *TaskStore) SetStatusWhereNotTerminal(
	ctx context.Context,
	tenantID string,
	rootID uuid.UUID,
	status transfer.TaskStatus,
) (int64, error) {
	var n int64
	err := s.trace(ctx, "set_status_where_not_terminal", func(ctx context.Context) error {
		now := s.now()
		updates := map[string]any{"status": string(status), "last_updated": now}
		if status.IsTerminal() {
			updates["end_time"] = gorm.Expr("COALESCE(end_time, ?)", now)
		}

		res := s.db.WithContext(ctx).Model(&taskRow{}).
			Where("tenant_id = ? AND (root_task_id = ? OR id = ?)", tenantID, rootID.String(), rootID.String()).
			Where("status <> ? AND status NOT IN ?", string(status), transfer.StatusStrings(transfer.BlockingStatuses(status))).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("set status where not terminal: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	}, attribute.String("root_task_id", rootID.String()), attribute.String("status", status.String()))
	return n, err
}

// ActiveRootTasks lists root tasks in an active status.
func (s *TaskStore) ActiveRootTasks(ctx context.Context) ([]transfer.TaskRef, error) {
	var refs []transfer.TaskRef
	err := s.trace(ctx, "active_root_tasks", func(ctx context.Context) error {
		var rows []taskRow
		err := s.db.WithContext(ctx).Select("tenant_id", "id").
			Where("parent_task_id IS NULL AND root_task_id IS NULL AND status IN ?",
				transfer.StatusStrings(transfer.ActiveStatuses())).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("active root tasks: %w", err)
		}
		for _, r := range rows {
			id, err := uuid.Parse(r.ID)
			if err != nil {
				return fmt.Errorf("parse task id: %w", err)
			}
			refs = append(refs, transfer.TaskRef{TenantID: r.TenantID, ID: id})
		}
		return nil
	})
	return refs, err
}

// StaleTasks lists tasks that are neither terminal nor PAUSED, have no open
// child and have not been touched since cutoff. Leaves are included.
func (s *TaskStore) StaleTasks(ctx context.Context, cutoff time.Time) ([]*transfer.Task, error) {
	var out []*transfer.Task
	err := s.trace(ctx, "stale_tasks", func(ctx context.Context) error {
		terminal := transfer.StatusStrings(transfer.TerminalStatuses())
		resting := transfer.StatusStrings(transfer.RestingStatuses())
		var rows []taskRow
		err := s.db.WithContext(ctx).Table("transfer_tasks AS p").Select("p.*").
			Where("p.status NOT IN ? AND p.last_updated < ?", resting, cutoff).
			Where(`NOT EXISTS (SELECT 1 FROM transfer_tasks c
				WHERE c.tenant_id = p.tenant_id AND c.parent_task_id = p.id AND c.status NOT IN ?)`, terminal).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("stale tasks: %w", err)
		}
		for _, r := range rows {
			t, err := r.task()
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	}, attribute.String("cutoff", cutoff.Format(time.RFC3339)))
	return out, err
}
