package store

import "time"

// PageRecord 是页面目录表，只存元数据，内容在段文件和快照表里
type PageRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	Title     string `gorm:"type:varchar(255);not null"`
	Category  string `gorm:"type:varchar(32);index"`
	Tags      string `gorm:"type:varchar(1024)"` // 逗号分隔
	AuthorID  uint64
	UpdatedBy uint64
	Revision  uint64 `gorm:"default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (PageRecord) TableName() string { return "pages" }

type UserRecord struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null"`
	PasswordHash []byte `gorm:"type:varbinary(255);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (UserRecord) TableName() string { return "users" }

type SnapshotRecord struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"type:varchar(64);uniqueIndex:idx_doc_rev"`
	Revision   uint64 `gorm:"uniqueIndex:idx_doc_rev"`
	Content    string `gorm:"type:longtext"`
	CreatedAt  time.Time
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }
