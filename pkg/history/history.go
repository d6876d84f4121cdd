package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
)

// Operation 是一条已执行的产物变更记录
type Operation struct {
	ID       int64
	Kind     string // encode / copy / delete / purge
	Source   string
	Dest     string
	Recorded time.Time
}

// Store 定义同步历史的存储接口。
// 历史只用于 history 命令展示，对账逻辑永远不会读取它。
type Store interface {
	Record(kind, source, dest string) error
	Recent(limit int) ([]Operation, error)
	Close() error
}

// sqliteStore 是 Store 接口的 SQLite 实现
type sqliteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS sync_operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		dest TEXT NOT NULL,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

// NewSQLiteStore 初始化 SQLite 数据库并返回 Store 接口实例
func NewSQLiteStore(dataSourceName string, logger zerolog.Logger) (Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sync_operations table: %w", err)
	}
	logger.Debug().Str("path", dataSourceName).Msg("history database initialized")
	return &sqliteStore{db: db, logger: logger}, nil
}

// Close 关闭数据库连接
func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record 追加一条变更记录
func (s *sqliteStore) Record(kind, source, dest string) error {
	_, err := s.db.Exec(
		"INSERT INTO sync_operations (kind, source, dest, recorded_at) VALUES (?, ?, ?, ?)",
		kind, source, dest, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s operation for %s: %w", kind, dest, err)
	}
	return nil
}

// Recent 返回最近的 limit 条记录，新的在前
func (s *sqliteStore) Recent(limit int) ([]Operation, error) {
	rows, err := s.db.Query(
		"SELECT id, kind, source, dest, recorded_at FROM sync_operations ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync history: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.Kind, &op.Source, &op.Dest, &op.Recorded); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
