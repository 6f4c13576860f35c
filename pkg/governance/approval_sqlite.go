package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rcli/relay/pkg/errors"
)

const approvalTable = "relay_approvals"

// SQLiteApprovalStore persists approvals in a SQLite database. Open the
// database with the modernc driver: sql.Open("sqlite", path).
type SQLiteApprovalStore struct {
	db *sql.DB
}

// NewSQLiteApprovalStore creates a SQLite-backed approval store and ensures schema.
func NewSQLiteApprovalStore(db *sql.DB) (*SQLiteApprovalStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInvalidInput, "db is nil", nil)
	}
	_, err := db.Exec(fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	call_id TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL,
	arguments_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	rule_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`, approvalTable))
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "failed to create approvals table", err)
	}
	return &SQLiteApprovalStore{db: db}, nil
}

// Create inserts an approval record.
func (s *SQLiteApprovalStore) Create(ctx context.Context, record ApprovalRecord) (*ApprovalRecord, error) {
	if err := prepareRecord(&record); err != nil {
		return nil, err
	}
	args, err := json.Marshal(record.Arguments)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "arguments are not JSON encodable", err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, session_id, call_id, tool, arguments_json, status, reason, rule_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", approvalTable),
		record.ID, record.SessionID, record.CallID, record.Tool, string(args), string(record.Status),
		record.Reason, record.RuleID, record.CreatedAt.UnixMilli(), record.UpdatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, record.ID)
}

const approvalColumns = "id, session_id, call_id, tool, arguments_json, status, reason, rule_id, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*ApprovalRecord, error) {
	var (
		record      ApprovalRecord
		status      string
		argsJSON    string
		createdAtMs int64
		updatedAtMs int64
	)
	if err := row.Scan(&record.ID, &record.SessionID, &record.CallID, &record.Tool, &argsJSON,
		&status, &record.Reason, &record.RuleID, &createdAtMs, &updatedAtMs); err != nil {
		return nil, err
	}
	record.Status = ApprovalStatus(status)
	record.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	if argsJSON != "" && argsJSON != "null" {
		if err := json.Unmarshal([]byte(argsJSON), &record.Arguments); err != nil {
			return nil, err
		}
	}
	return &record, nil
}

// Get returns an approval record by id.
func (s *SQLiteApprovalStore) Get(ctx context.Context, id string) (*ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", approvalColumns, approvalTable), id)
	record, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, approvalNotFound(id)
	}
	return record, err
}

// List returns approvals matching the filter, most recently updated first.
func (s *SQLiteApprovalStore) List(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Tool != "" {
		where += " AND tool = ?"
		args = append(args, filter.Tool)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY updated_at DESC%s", approvalColumns, approvalTable, where, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*ApprovalRecord, 0)
	for rows.Next() {
		record, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// UpdateStatus updates approval status and reason.
func (s *SQLiteApprovalStore) UpdateStatus(ctx context.Context, id string, status ApprovalStatus, reason string) (*ApprovalRecord, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, reason = ?, updated_at = ? WHERE id = ?", approvalTable),
		string(status), reason, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, approvalNotFound(id)
	}
	return s.Get(ctx, id)
}
