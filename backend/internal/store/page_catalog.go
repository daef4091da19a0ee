package store

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatwiki/backend/internal/collab"
)

// PageCatalog 是页面元数据的共享目录，实现 collab.Catalog，
// 让各节点都能列出尚未加载到内存的页面
type PageCatalog struct {
	db *gorm.DB
}

func NewPageCatalog(db *gorm.DB) *PageCatalog {
	return &PageCatalog{db: db}
}

func toRecord(p collab.Page) PageRecord {
	return PageRecord{
		ID:        p.ID,
		Title:     p.Title,
		Category:  p.Category,
		Tags:      strings.Join(p.Tags, ","),
		AuthorID:  p.AuthorID,
		UpdatedBy: p.UpdatedBy,
		Revision:  p.Revision,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (r PageRecord) toPage() collab.Page {
	var tags []string
	if r.Tags != "" {
		tags = strings.Split(r.Tags, ",")
	}
	return collab.Page{
		ID:        r.ID,
		Title:     r.Title,
		Category:  r.Category,
		Tags:      tags,
		AuthorID:  r.AuthorID,
		UpdatedBy: r.UpdatedBy,
		Revision:  r.Revision,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// SavePage 按主键 upsert。导出是并发的，只有修订号不落后于已有行时才覆盖。
func (c *PageCatalog) SavePage(ctx context.Context, p collab.Page) error {
	rec := toRecord(p)
	return c.upsert(c.db.WithContext(ctx), &rec).Error
}

// revision 必须放在最后赋值，前面的条件读的是旧值
var catalogUpdates = func() clause.Set {
	cols := []string{"title", "category", "tags", "updated_by", "updated_at"}
	set := make(clause.Set, 0, len(cols)+1)
	for _, col := range cols {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr("IF(VALUES(revision) >= revision, VALUES(" + col + "), " + col + ")"),
		})
	}
	return append(set, clause.Assignment{
		Column: clause.Column{Name: "revision"},
		Value:  gorm.Expr("GREATEST(revision, VALUES(revision))"),
	})
}()

func (c *PageCatalog) upsert(db *gorm.DB, rec *PageRecord) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: catalogUpdates,
	}).Create(rec)
}

func (c *PageCatalog) query(db *gorm.DB, f collab.ListFilter) *gorm.DB {
	q := db.Model(&PageRecord{})
	if f.Category != "" && f.Category != "all" {
		q = q.Where("category = ?", f.Category)
	}
	if s := strings.TrimSpace(f.Query); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("(LOWER(title) LIKE ? OR LOWER(tags) LIKE ?)", like, like)
	}
	q = q.Order("updated_at DESC").Order("id")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	return q
}

// ListPages 只能按标题和标签搜索，内容匹配由内存中的页面负责
func (c *PageCatalog) ListPages(ctx context.Context, f collab.ListFilter) ([]collab.Page, error) {
	var recs []PageRecord
	if err := c.query(c.db.WithContext(ctx), f).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]collab.Page, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toPage())
	}
	return out, nil
}
