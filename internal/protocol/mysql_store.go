package protocol

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"LinguaChain/deploy/migrations"
	xerrors "LinguaChain/internal/errors"
)

// MySQLStore 使用 MySQL 记录任务、步骤与日志。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	stmts, err := migrations.Statements()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移语句失败")
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化工作流表失败")
		}
	}
	return nil
}

// CreateTask 插入新的任务记录。
func (s *MySQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.TaskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	artifacts, err := marshalArtifacts(task.OutputArtifacts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 artifacts 失败")
	}

	const stmt = `INSERT INTO workflow_tasks
        (task_id, did, status, input_query, output, output_artifacts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.TaskID, task.DID, task.Status, task.InputQuery, task.Output, artifacts,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "任务已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// CreateSteps 在单个事务内批量登记步骤。
func (s *MySQLStore) CreateSteps(ctx context.Context, did, taskID string, steps []*Step) error {
	if len(steps) == 0 {
		return xerrors.New(CodeStepValidation, "steps 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_tasks WHERE task_id = ?`, taskID).Scan(&exists); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	if exists == 0 {
		return ErrTaskNotFound
	}

	const stmt = `INSERT INTO workflow_steps
        (step_id, task_id, did, name, status, predecessor, input_query, output, output_artifacts, is_last, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().Unix()
	for _, step := range steps {
		if step == nil || strings.TrimSpace(step.StepID) == "" {
			return xerrors.New(CodeStepValidation, "步骤 ID 不能为空")
		}
		status := step.Status
		if status == "" {
			status = StatusPending
		}
		artifacts, err := marshalArtifacts(step.OutputArtifacts)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤 artifacts 失败")
		}
		_, err = tx.ExecContext(ctx, stmt,
			step.StepID, taskID, did, step.Name, status, step.Predecessor,
			step.InputQuery, step.Output, artifacts, step.IsLast, now, now,
		)
		if err != nil {
			var mysqlErr *mysql.MySQLError
			if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
				return ErrStepExists
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入步骤失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// GetStep 查询指定步骤。
func (s *MySQLStore) GetStep(ctx context.Context, stepID string) (*Step, error) {
	const stmt = `SELECT step_id, task_id, did, name, status, predecessor, input_query, output, output_artifacts, is_last, created_at, updated_at
        FROM workflow_steps WHERE step_id = ?`

	row := s.db.QueryRowContext(ctx, stmt, stepID)
	step, err := scanStep(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤失败")
	}
	return step, nil
}

// UpdateStep 通过条件更新实现 CAS：只有当前状态匹配 expect 时才会生效。
func (s *MySQLStore) UpdateStep(ctx context.Context, _, taskID, stepID string, expect Status, update StepUpdate) error {
	if !IsValidStatus(update.Status) {
		return xerrors.New(CodeStepValidation, "不支持的步骤状态")
	}

	now := time.Now().Unix()
	var artifactsArg any
	if update.OutputArtifacts != nil {
		encoded, err := marshalArtifacts(update.OutputArtifacts)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤 artifacts 失败")
		}
		artifactsArg = encoded
	}

	const stmt = `UPDATE workflow_steps
        SET status = ?, output = IF(? = '', output, ?), output_artifacts = IF(? IS NULL, output_artifacts, ?), updated_at = ?
        WHERE step_id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, stmt,
		update.Status, update.Output, update.Output, artifactsArg, artifactsArg, now, stepID, expect,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新步骤失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.GetStep(ctx, stepID); getErr != nil {
			return getErr
		}
		return ErrStepConflict
	}

	step, err := s.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.IsLast && step.Status.Terminal() {
		const taskStmt = `UPDATE workflow_tasks SET status = ?, output = ?, output_artifacts = ?, updated_at = ? WHERE task_id = ?`
		taskArtifacts, err := marshalArtifacts(step.OutputArtifacts)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 artifacts 失败")
		}
		if _, err := s.db.ExecContext(ctx, taskStmt, step.Status, step.Output, taskArtifacts, now, taskID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步任务状态失败")
		}
	}
	return nil
}

// SeedStepInput 为尚未执行的步骤填充输入，用于把前驱产出传给后继。
func (s *MySQLStore) SeedStepInput(ctx context.Context, stepID, input string) error {
	const stmt = `UPDATE workflow_steps SET input_query = ? WHERE step_id = ? AND status = ?`
	result, err := s.db.ExecContext(ctx, stmt, input, stepID, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "填充步骤输入失败")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.GetStep(ctx, stepID); getErr != nil {
			return getErr
		}
		return ErrStepConflict
	}
	return nil
}

// GetTaskWithSteps 返回任务与其按创建顺序排列的步骤。
func (s *MySQLStore) GetTaskWithSteps(ctx context.Context, taskID string) (*TaskWithSteps, error) {
	const taskStmt = `SELECT task_id, did, status, input_query, output, output_artifacts, created_at, updated_at
        FROM workflow_tasks WHERE task_id = ?`

	row := s.db.QueryRowContext(ctx, taskStmt, taskID)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}

	const stepStmt = `SELECT step_id, task_id, did, name, status, predecessor, input_query, output, output_artifacts, is_last, created_at, updated_at
        FROM workflow_steps WHERE task_id = ? ORDER BY created_at ASC, step_id ASC`

	rows, err := s.db.QueryContext(ctx, stepStmt, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询步骤失败")
	}
	defer rows.Close()

	steps := make([]*Step, 0, 4)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤失败")
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历步骤失败")
	}
	return &TaskWithSteps{Task: *task, Steps: steps}, nil
}

// ListTasks 返回最近更新的任务。
func (s *MySQLStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	const stmt = `SELECT task_id, did, status, input_query, output, output_artifacts, created_at, updated_at
        FROM workflow_tasks ORDER BY updated_at DESC, task_id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// AppendLog 追加任务日志，带状态的日志同步任务状态。
func (s *MySQLStore) AppendLog(ctx context.Context, entry TaskLog) error {
	if strings.TrimSpace(entry.TaskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "日志缺少任务 ID")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}
	if entry.Level == "" {
		entry.Level = "info"
	}

	const stmt = `INSERT INTO workflow_task_logs (task_id, message, level, status, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, entry.TaskID, entry.Message, entry.Level, entry.Status, entry.CreatedAt); err != nil {
		return xerrors.Wrap(CodeLogWrite, err, "写入任务日志失败")
	}
	if entry.Status != "" {
		const taskStmt = `UPDATE workflow_tasks SET status = ?, updated_at = ? WHERE task_id = ?`
		if _, err := s.db.ExecContext(ctx, taskStmt, entry.Status, entry.CreatedAt, entry.TaskID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步任务状态失败")
		}
	}
	return nil
}

// ListLogs 返回指定任务的全部日志。
func (s *MySQLStore) ListLogs(ctx context.Context, taskID string) ([]TaskLog, error) {
	const stmt = `SELECT task_id, message, level, status, created_at FROM workflow_task_logs WHERE task_id = ? ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务日志失败")
	}
	defer rows.Close()

	entries := make([]TaskLog, 0, 8)
	for rows.Next() {
		var entry TaskLog
		var status sql.NullString
		if err := rows.Scan(&entry.TaskID, &entry.Message, &entry.Level, &status, &entry.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务日志失败")
		}
		entry.Status = Status(status.String)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务日志失败")
	}
	return entries, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var predecessor, artifacts sql.NullString
	var isLast bool
	if err := row.Scan(
		&step.StepID, &step.TaskID, &step.DID, &step.Name, &step.Status,
		&predecessor, &step.InputQuery, &step.Output, &artifacts, &isLast,
		&step.CreatedAt, &step.UpdatedAt,
	); err != nil {
		return nil, err
	}
	step.Predecessor = predecessor.String
	step.IsLast = isLast
	list, err := unmarshalArtifacts(artifacts.String)
	if err != nil {
		return nil, err
	}
	step.OutputArtifacts = list
	return &step, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var artifacts sql.NullString
	if err := row.Scan(
		&task.TaskID, &task.DID, &task.Status, &task.InputQuery, &task.Output,
		&artifacts, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	list, err := unmarshalArtifacts(artifacts.String)
	if err != nil {
		return nil, err
	}
	task.OutputArtifacts = list
	return &task, nil
}

func marshalArtifacts(artifacts []string) (string, error) {
	if artifacts == nil {
		return "", nil
	}
	encoded, err := json.Marshal(artifacts)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func unmarshalArtifacts(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	return list, nil
}
