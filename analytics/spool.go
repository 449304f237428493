package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const spoolSchema = `
	CREATE TABLE IF NOT EXISTS spooled_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sessionId TEXT NOT NULL,
		action TEXT NOT NULL,
		tMs INTEGER NOT NULL,
		extra TEXT NOT NULL DEFAULT '',
		createdAt INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS spooled_actions_session ON spooled_actions(sessionId, id);
`

// Batch is the spooled actions of one tracking session.
type Batch struct {
	SessionID string
	Actions   []Action
}

// Spool keeps actions that could not be delivered before shutdown so the
// next run can replay them.
type Spool struct {
	db *sql.DB
}

func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(spoolSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) Put(ctx context.Context, sessionID string, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spool write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spooled_actions (sessionId, action, tMs, extra, createdAt)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare spool write: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for _, a := range actions {
		if _, err := stmt.ExecContext(ctx, sessionID, a.Action, a.TMs, a.Extra, now); err != nil {
			return fmt.Errorf("spool action: %w", err)
		}
	}
	return tx.Commit()
}

// Pending returns spooled batches in the order they were written.
func (s *Spool) Pending(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sessionId, action, tMs, extra
		FROM spooled_actions
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	index := make(map[string]int)
	for rows.Next() {
		var sessionID string
		var a Action
		if err := rows.Scan(&sessionID, &a.Action, &a.TMs, &a.Extra); err != nil {
			return nil, fmt.Errorf("scan spooled action: %w", err)
		}
		i, ok := index[sessionID]
		if !ok {
			i = len(batches)
			index[sessionID] = i
			batches = append(batches, Batch{SessionID: sessionID})
		}
		batches[i].Actions = append(batches[i].Actions, a)
	}
	return batches, rows.Err()
}

func (s *Spool) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spooled_actions WHERE sessionId = ?`, sessionID); err != nil {
		return fmt.Errorf("delete spooled actions: %w", err)
	}
	return nil
}
