// 文件: pkg/audit/journal.go
// 入站消息审计日志 - SQLite
//
// 每条 trade_fills / quotes 原始报文都记一行，包括重复和解析失败的，
// 便于事后对账时回答 "这条成交到底有没有收到"
// 写失败只打日志，不影响主流程

package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
)

// Outcome 处理结果
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Recorder 审计记录接口，consumer 只依赖这个
type Recorder interface {
	Record(stream, key string, payload []byte, outcome Outcome)
}

// Nop 不记录
type Nop struct{}

func (Nop) Record(string, string, []byte, Outcome) {}

// Entry 一条审计记录
type Entry struct {
	ID         int64
	Stream     string
	Key        string
	Payload    []byte
	Outcome    Outcome
	ReceivedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS inbound_messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	stream      TEXT NOT NULL,
	msg_key     TEXT NOT NULL,
	payload     BLOB NOT NULL,
	outcome     TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inbound_stream_key ON inbound_messages (stream, msg_key);
`

// SQLiteJournal SQLite 实现
type SQLiteJournal struct {
	db  *sql.DB
	log *zap.Logger

	// sqlite 单写者
	mu sync.Mutex
}

var _ Recorder = (*SQLiteJournal)(nil)

// NewSQLite 打开 (或创建) 审计库
func NewSQLite(path string, log *zap.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db, log: logger.OrNop(log).Named("audit")}, nil
}

// Record 追加一条
func (j *SQLiteJournal) Record(stream, key string, payload []byte, outcome Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(`
		INSERT INTO inbound_messages (stream, msg_key, payload, outcome, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		stream, key, payload, string(outcome), time.Now().UTC(),
	)
	if err != nil {
		j.log.Warn("audit record failed", zap.String("stream", stream), zap.String("key", key), zap.Error(err))
	}
}

// List 按 stream + key 查询，key 为空则查整个 stream，按接收顺序返回
func (j *SQLiteJournal) List(ctx context.Context, stream, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, stream, msg_key, payload, outcome, received_at FROM inbound_messages WHERE stream = ?`
	args := []any{stream}
	if key != "" {
		query += ` AND msg_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.Stream, &e.Key, &e.Payload, &outcome, &e.ReceivedAt); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close 关闭
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
