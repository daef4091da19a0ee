package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Dir 管理 root/<kind>/<pageID>.seg 下的段文件，同一个文件只打开一次
type Dir struct {
	root string

	mu   sync.Mutex
	open map[string]*Segment
}

func OpenDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating segment root: %w", err)
	}
	return &Dir{root: root, open: make(map[string]*Segment)}, nil
}

func (d *Dir) path(kind, pageID string) string {
	return filepath.Join(d.root, kind, pageID+".seg")
}

// Exists 判断段文件是否已经在磁盘上
func (d *Dir) Exists(kind, pageID string) bool {
	d.mu.Lock()
	_, ok := d.open[d.path(kind, pageID)]
	d.mu.Unlock()
	if ok {
		return true
	}
	_, err := os.Stat(d.path(kind, pageID))
	return err == nil
}

// Segment 打开（必要时创建）段文件
func (d *Dir) Segment(kind, pageID string) (*Segment, error) {
	p := d.path(kind, pageID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.open[p]; s != nil {
		return s, nil
	}
	s, err := Open(p)
	if err != nil {
		return nil, err
	}
	d.open[p] = s
	return s, nil
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for p, s := range d.open {
		errs = append(errs, s.Close())
		delete(d.open, p)
	}
	return errors.Join(errs...)
}

// List 返回某一类下所有段文件对应的页面 ID
func (d *Dir) List(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, kind))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".seg" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".seg")])
	}
	return ids, nil
}
