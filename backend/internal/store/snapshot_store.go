package store

import (
	"context"
	"database/sql"
	"errors"
)

// SnapshotStore 保存页面内容的周期快照，实现 collab.SnapshotStore
type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 同一修订号重复保存视为成功
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, pageID string, rev uint64, content string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, revision, content, created_at)
		VALUES (?, ?, ?, ?)`,
		pageID,
		rev,
		content,
		nowUTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 返回页面最新的快照，没有时返回 sql.ErrNoRows
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, pageID string) (uint64, string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var (
		rev     uint64
		content string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT revision, content FROM document_snapshots
		WHERE document_id = ? ORDER BY revision DESC LIMIT 1`,
		pageID,
	).Scan(&rev, &content)
	if errors.Is(err, context.DeadlineExceeded) {
		return 0, "", ErrDeadlineExceeded
	}
	return rev, content, err
}
