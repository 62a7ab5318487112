package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"trade-bridge/internal/config"
)

// CheckpointStore 按账号保存会话断点。断点内容对本系统不透明。
type CheckpointStore interface {
	Load(ctx context.Context, accountID string) ([]byte, bool, error)
	Save(ctx context.Context, accountID string, blob []byte) error
}

// NewCheckpointStore 根据配置选择断点存储后端。
func NewCheckpointStore(cfg config.CheckpointConfig, db *Store) (CheckpointStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.CheckpointBackendFile:
		return NewFileCheckpoints(cfg.Dir)
	case config.CheckpointBackendSQLite, "":
		if db == nil {
			return nil, errors.New("store: sqlite 断点存储需要数据库连接")
		}
		return NewSQLiteCheckpoints(db)
	default:
		return nil, fmt.Errorf("store: 不支持的断点存储 %q", cfg.Backend)
	}
}

// SQLiteCheckpoints 将断点保存在 session_checkpoints 表中。
type SQLiteCheckpoints struct {
	db *sql.DB
}

// NewSQLiteCheckpoints 使用 NewSQLite 迁移好的 session_checkpoints 表。
func NewSQLiteCheckpoints(s *Store) (*SQLiteCheckpoints, error) {
	if s == nil || s.DB() == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	return &SQLiteCheckpoints{db: s.DB()}, nil
}

// Load 读取账号断点，不存在时返回 false。
func (c *SQLiteCheckpoints) Load(ctx context.Context, accountID string) ([]byte, bool, error) {
	var blob []byte
	row := c.db.QueryRowContext(ctx, `SELECT blob FROM session_checkpoints WHERE account_id = ?`, accountID)
	switch err := row.Scan(&blob); {
	case err == nil:
		return blob, true, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("store: 读取断点失败: %w", err)
	}
}

// Save 覆盖写入账号断点。
func (c *SQLiteCheckpoints) Save(ctx context.Context, accountID string, blob []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO session_checkpoints (account_id, blob, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		accountID, blob, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入断点失败: %w", err)
	}
	return nil
}

// FileCheckpoints 将断点写入 pollData-<account>.json 文件。
type FileCheckpoints struct {
	dir string
}

// NewFileCheckpoints 创建基于目录的断点存储。
func NewFileCheckpoints(dir string) (*FileCheckpoints, error) {
	if dir == "" {
		return nil, errors.New("store: 断点目录不能为空")
	}
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &FileCheckpoints{dir: dir}, nil
}

// Path 返回账号对应的断点文件路径。
func (f *FileCheckpoints) Path(accountID string) string {
	return filepath.Join(f.dir, fmt.Sprintf("pollData-%s.json", accountID))
}

// Load 读取账号断点，文件不存在时返回 false。
func (f *FileCheckpoints) Load(_ context.Context, accountID string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.Path(accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: 读取断点文件失败: %w", err)
	}
	return data, true, nil
}

// Save 先写临时文件再重命名，避免留下半截内容。
func (f *FileCheckpoints) Save(_ context.Context, accountID string, blob []byte) error {
	target := f.Path(accountID)
	tmp, err := os.CreateTemp(f.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("store: 创建临时断点文件失败: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: 写入断点文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: 同步断点文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: 关闭断点文件失败: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("store: 替换断点文件失败: %w", err)
	}
	return nil
}
