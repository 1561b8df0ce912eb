package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Castellan-Labs/castellan/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable single-node HistoryStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle and applies migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return NewSQLiteStore(db)
}

var _ HistoryStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS escalation_history (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		reason TEXT NOT NULL,
		rule_id TEXT,
		rule_name TEXT,
		rule_version INTEGER NOT NULL DEFAULT 0,
		previous_priority INTEGER NOT NULL,
		new_priority INTEGER NOT NULL,
		target_role TEXT,
		target_user_id TEXT,
		escalated_at TEXT NOT NULL,
		resolved_at TEXT,
		resolution_notes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_case ON escalation_history (case_id);

	CREATE TABLE IF NOT EXISTS sla_tracking (
		id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		sla_type TEXT NOT NULL,
		target_hours REAL NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL,
		breach_reason TEXT,
		paused_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sla_case ON sla_tracking (case_id);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		history_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		subject TEXT,
		body TEXT,
		target TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		read_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_history ON notifications (history_id);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, rec *contracts.EscalationHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var open int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM escalation_history WHERE case_id = ? AND resolved_at IS NULL`,
		rec.CaseID,
	).Scan(&open)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%w: case %s", ErrOpenHistoryExists, rec.CaseID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_history (
			id, case_id, level, reason, rule_id, rule_name, rule_version,
			previous_priority, new_priority, target_role, target_user_id,
			escalated_at, resolved_at, resolution_notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CaseID, rec.Level, rec.Reason, rec.RuleID, rec.RuleName, rec.RuleVersion,
		int(rec.PreviousPriority), int(rec.NewPriority), rec.TargetRole, rec.TargetUserID,
		formatTime(rec.EscalatedAt), formatTimePtr(rec.ResolvedAt), rec.ResolutionNotes,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) SupersedeHistory(ctx context.Context, caseID string, at time.Time, notes string, rec *contracts.EscalationHistory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE escalation_history SET resolved_at = ?, resolution_notes = ? WHERE case_id = ? AND resolved_at IS NULL`,
		formatTime(at), notes, caseID,
	)
	if err != nil {
		return fmt.Errorf("supersede open history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_history (
			id, case_id, level, reason, rule_id, rule_name, rule_version,
			previous_priority, new_priority, target_role, target_user_id,
			escalated_at, resolved_at, resolution_notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CaseID, rec.Level, rec.Reason, rec.RuleID, rec.RuleName, rec.RuleVersion,
		int(rec.PreviousPriority), int(rec.NewPriority), rec.TargetRole, rec.TargetUserID,
		formatTime(rec.EscalatedAt), formatTimePtr(rec.ResolvedAt), rec.ResolutionNotes,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, id string) (*contracts.EscalationHistory, error) {
	rows, err := s.queryHistory(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
	}
	return rows[0], nil
}

func (s *SQLiteStore) OpenHistory(ctx context.Context, caseID string) (*contracts.EscalationHistory, error) {
	rows, err := s.queryHistory(ctx, `WHERE case_id = ? AND resolved_at IS NULL`, caseID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenHistory, caseID)
	}
	return rows[0], nil
}

func (s *SQLiteStore) ResolveHistory(ctx context.Context, id string, at time.Time, notes string) (*contracts.EscalationHistory, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE escalation_history SET resolved_at = ?, resolution_notes = ? WHERE id = ? AND resolved_at IS NULL`,
		formatTime(at), notes, id,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish missing from already-resolved.
		if _, err := s.GetHistory(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	return s.GetHistory(ctx, id)
}

func (s *SQLiteStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]*contracts.EscalationHistory, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CaseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.Level != 0 {
		conds = append(conds, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.OnlyOpen {
		conds = append(conds, "resolved_at IS NULL")
	}
	if filter.OnlyResolved {
		conds = append(conds, "resolved_at IS NOT NULL")
	}
	if filter.From != nil {
		conds = append(conds, "escalated_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "escalated_at <= ?")
		args = append(args, formatTime(*filter.To))
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY escalated_at DESC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryHistory(ctx, clause, args...)
}

func (s *SQLiteStore) queryHistory(ctx context.Context, clause string, args ...any) ([]*contracts.EscalationHistory, error) {
	query := `
		SELECT id, case_id, level, reason, rule_id, rule_name, rule_version,
		       previous_priority, new_priority, target_role, target_user_id,
		       escalated_at, resolved_at, resolution_notes
		FROM escalation_history ` + clause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EscalationHistory
	for rows.Next() {
		var (
			rec                            contracts.EscalationHistory
			ruleID, ruleName               sql.NullString
			targetRole, targetUser, notes  sql.NullString
			prevPriority, newPriority      int
			escalatedAt, resolvedAt        sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.CaseID, &rec.Level, &rec.Reason, &ruleID, &ruleName, &rec.RuleVersion,
			&prevPriority, &newPriority, &targetRole, &targetUser,
			&escalatedAt, &resolvedAt, &notes,
		); err != nil {
			return nil, err
		}
		rec.RuleID = ruleID.String
		rec.RuleName = ruleName.String
		rec.PreviousPriority = contracts.Priority(prevPriority)
		rec.NewPriority = contracts.Priority(newPriority)
		rec.TargetRole = targetRole.String
		rec.TargetUserID = targetUser.String
		rec.ResolutionNotes = notes.String
		rec.EscalatedAt = parseTime(escalatedAt.String)
		if resolvedAt.Valid && resolvedAt.String != "" {
			t := parseTime(resolvedAt.String)
			rec.ResolvedAt = &t
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) AppendSLA(ctx context.Context, clock *contracts.SLATracking) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sla_tracking WHERE case_id = ? AND level = ? AND status IN ('active', 'paused')`,
		clock.CaseID, clock.Level,
	).Scan(&live)
	if err != nil {
		return err
	}
	if live > 0 {
		return fmt.Errorf("%w: case %s level %d", ErrSLAConflict, clock.CaseID, clock.Level)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sla_tracking (
			id, case_id, level, sla_type, target_hours, start_time, end_time,
			status, breach_reason, paused_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clock.ID, clock.CaseID, clock.Level, string(clock.SLAType), clock.TargetHours,
		formatTime(clock.StartTime), formatTimePtr(clock.EndTime), string(clock.Status),
		clock.BreachReason, formatTimePtr(clock.PausedAt),
		formatTime(clock.CreatedAt), formatTime(clock.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert sla clock: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateSLA(ctx context.Context, clock *contracts.SLATracking) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sla_tracking
		SET start_time = ?, end_time = ?, status = ?, breach_reason = ?, paused_at = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(clock.StartTime), formatTimePtr(clock.EndTime), string(clock.Status),
		clock.BreachReason, formatTimePtr(clock.PausedAt), formatTime(clock.UpdatedAt),
		clock.ID,
	)
	if err != nil {
		return fmt.Errorf("update sla clock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSLANotFound, clock.ID)
	}
	return nil
}

func (s *SQLiteStore) GetSLA(ctx context.Context, id string) (*contracts.SLATracking, error) {
	rows, err := s.querySLA(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSLANotFound, id)
	}
	return rows[0], nil
}

func (s *SQLiteStore) ListSLA(ctx context.Context, filter SLAFilter) ([]*contracts.SLATracking, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CaseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Level != 0 {
		conds = append(conds, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.From != nil {
		conds = append(conds, "start_time >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "start_time <= ?")
		args = append(args, formatTime(*filter.To))
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY start_time DESC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.querySLA(ctx, clause, args...)
}

func (s *SQLiteStore) querySLA(ctx context.Context, clause string, args ...any) ([]*contracts.SLATracking, error) {
	query := `
		SELECT id, case_id, level, sla_type, target_hours, start_time, end_time,
		       status, breach_reason, paused_at, created_at, updated_at
		FROM sla_tracking ` + clause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SLATracking
	for rows.Next() {
		var (
			clock                         contracts.SLATracking
			slaType, status               string
			startTime, createdAt, updated string
			endTime, pausedAt, breach     sql.NullString
		)
		if err := rows.Scan(
			&clock.ID, &clock.CaseID, &clock.Level, &slaType, &clock.TargetHours,
			&startTime, &endTime, &status, &breach, &pausedAt, &createdAt, &updated,
		); err != nil {
			return nil, err
		}
		clock.SLAType = contracts.SLAType(slaType)
		clock.Status = contracts.SLAStatus(status)
		clock.BreachReason = breach.String
		clock.StartTime = parseTime(startTime)
		clock.CreatedAt = parseTime(createdAt)
		clock.UpdatedAt = parseTime(updated)
		if endTime.Valid && endTime.String != "" {
			t := parseTime(endTime.String)
			clock.EndTime = &t
		}
		if pausedAt.Valid && pausedAt.String != "" {
			t := parseTime(pausedAt.String)
			clock.PausedAt = &t
		}
		out = append(out, &clock)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) AppendNotification(ctx context.Context, n *contracts.EscalationNotification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, history_id, case_id, channel, subject, body, target,
			status, retry_count, last_error, created_at, sent_at, read_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.HistoryID, n.CaseID, string(n.Channel), n.Subject, n.Body, n.Target,
		string(n.Status), n.RetryCount, n.LastError,
		formatTime(n.CreatedAt), formatTimePtr(n.SentAt), formatTimePtr(n.ReadAt),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*contracts.EscalationNotification, error) {
	rows, err := s.queryNotifications(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return rows[0], nil
}

func (s *SQLiteStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		string(contracts.NotificationSent), formatTime(at), id, string(contracts.NotificationPending),
	)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) RecordNotificationFailure(ctx context.Context, id string, retryCount int, lastErr string, permanent bool) error {
	status := string(contracts.NotificationPending)
	if permanent {
		status = string(contracts.NotificationFailed)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET retry_count = ?, last_error = ?, status = ? WHERE id = ?`,
		retryCount, lastErr, status, id,
	)
	if err != nil {
		return fmt.Errorf("record notification failure: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, read_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(contracts.NotificationRead), formatTime(at), id,
		string(contracts.NotificationSent), string(contracts.NotificationDelivered),
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetNotification(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrStaleTransition, id)
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*contracts.EscalationNotification, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CaseID != "" {
		conds = append(conds, "case_id = ?")
		args = append(args, filter.CaseID)
	}
	if filter.HistoryID != "" {
		conds = append(conds, "history_id = ?")
		args = append(args, filter.HistoryID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, string(filter.Channel))
	}

	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		clause += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryNotifications(ctx, clause, args...)
}

func (s *SQLiteStore) queryNotifications(ctx context.Context, clause string, args ...any) ([]*contracts.EscalationNotification, error) {
	query := `
		SELECT id, history_id, case_id, channel, subject, body, target,
		       status, retry_count, last_error, created_at, sent_at, read_at
		FROM notifications ` + clause
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EscalationNotification
	for rows.Next() {
		var (
			n                        contracts.EscalationNotification
			channel, status          string
			subject, body, target    sql.NullString
			lastErr                  sql.NullString
			createdAt                string
			sentAt, readAt           sql.NullString
		)
		if err := rows.Scan(
			&n.ID, &n.HistoryID, &n.CaseID, &channel, &subject, &body, &target,
			&status, &n.RetryCount, &lastErr, &createdAt, &sentAt, &readAt,
		); err != nil {
			return nil, err
		}
		n.Channel = contracts.Channel(channel)
		n.Status = contracts.NotificationStatus(status)
		n.Subject = subject.String
		n.Body = body.String
		n.Target = target.String
		n.LastError = lastErr.String
		n.CreatedAt = parseTime(createdAt)
		if sentAt.Valid && sentAt.String != "" {
			t := parseTime(sentAt.String)
			n.SentAt = &t
		}
		if readAt.Valid && readAt.String != "" {
			t := parseTime(readAt.String)
			n.ReadAt = &t
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
