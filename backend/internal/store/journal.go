package store

import (
	"context"
	"fmt"

	"chatwiki/backend/internal/chatlog"
	"chatwiki/backend/internal/collab"
	"chatwiki/backend/internal/segment"
)

const (
	kindPatches = "patches"
	kindChat    = "chat"
)

// 补丁段的第 0 条记录
type genesisRecord struct {
	Page    collab.Page `cbor:"page"`
	Content string      `cbor:"content"`
}

// SegmentJournal 把页面补丁和聊天消息写进每页一个的段文件，
// 同时实现 collab.Journal 和 chatlog.Journal。
// 补丁段的 seq 是修订号（创世记录为 0），聊天段的 seq 是消息 ID。
type SegmentJournal struct {
	dir *segment.Dir
}

func NewSegmentJournal(dir *segment.Dir) *SegmentJournal {
	return &SegmentJournal{dir: dir}
}

func (j *SegmentJournal) CreatePage(_ context.Context, page collab.Page, content string) error {
	seg, err := j.dir.Segment(kindPatches, page.ID)
	if err != nil {
		return err
	}
	if seg.Len() > 0 {
		return collab.ErrPageExists
	}
	b, err := encMode.Marshal(genesisRecord{Page: page, Content: content})
	if err != nil {
		return err
	}
	return seg.Append(0, b)
}

func (j *SegmentJournal) AppendPatch(_ context.Context, pageID string, p collab.AcceptedPatch) error {
	if !j.dir.Exists(kindPatches, pageID) {
		return fmt.Errorf("patch journal for page %s: %w", pageID, ErrMissingGenesis)
	}
	seg, err := j.dir.Segment(kindPatches, pageID)
	if err != nil {
		return err
	}
	if err := nextSeq(seg, p.Revision, false); err != nil {
		return fmt.Errorf("patch journal for page %s: %w", pageID, err)
	}
	b, err := encMode.Marshal(p)
	if err != nil {
		return err
	}
	return seg.Append(p.Revision, b)
}

func (j *SegmentJournal) LoadPage(_ context.Context, pageID string) (*collab.PageRecord, error) {
	if !j.dir.Exists(kindPatches, pageID) {
		return nil, collab.ErrUnknownPage
	}
	seg, err := j.dir.Segment(kindPatches, pageID)
	if err != nil {
		return nil, err
	}
	recs, err := seg.Records()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, collab.ErrUnknownPage
	}
	if recs[0].Seq != 0 {
		return nil, fmt.Errorf("patch journal for page %s: missing genesis record", pageID)
	}
	var g genesisRecord
	if err := decMode.Unmarshal(recs[0].Payload, &g); err != nil {
		return nil, fmt.Errorf("patch journal for page %s: genesis: %w", pageID, err)
	}
	rec := &collab.PageRecord{Page: g.Page, Content: g.Content}
	for _, r := range recs[1:] {
		var p collab.AcceptedPatch
		if err := decMode.Unmarshal(r.Payload, &p); err != nil {
			return nil, fmt.Errorf("patch journal for page %s: revision %d: %w", pageID, r.Seq, err)
		}
		rec.Patches = append(rec.Patches, p)
	}
	return rec, nil
}

// 修订号和消息 ID 都必须连续。补丁段的第一条是创世记录，聊天段从 1 开始。
func nextSeq(seg *segment.Segment, seq uint64, emptyOK bool) error {
	last, ok := seg.LastSeq()
	switch {
	case !ok && !emptyOK:
		return ErrMissingGenesis
	case !ok:
		last = 0
	}
	if seq != last+1 {
		return fmt.Errorf("%w: %d after %d", ErrJournalGap, seq, last)
	}
	return nil
}

// PageIDs 列出磁盘上已有的页面
func (j *SegmentJournal) PageIDs() ([]string, error) {
	return j.dir.List(kindPatches)
}

func (j *SegmentJournal) AppendMessage(_ context.Context, pageID string, m chatlog.Message) error {
	seg, err := j.dir.Segment(kindChat, pageID)
	if err != nil {
		return err
	}
	if err := nextSeq(seg, m.ID, true); err != nil {
		return fmt.Errorf("chat journal for page %s: %w", pageID, err)
	}
	b, err := encMode.Marshal(m)
	if err != nil {
		return err
	}
	return seg.Append(m.ID, b)
}

func (j *SegmentJournal) LoadMessages(_ context.Context, pageID string) ([]chatlog.Message, error) {
	if !j.dir.Exists(kindChat, pageID) {
		return nil, nil
	}
	seg, err := j.dir.Segment(kindChat, pageID)
	if err != nil {
		return nil, err
	}
	recs, err := seg.Records()
	if err != nil {
		return nil, err
	}
	msgs := make([]chatlog.Message, 0, len(recs))
	for _, r := range recs {
		var m chatlog.Message
		if err := decMode.Unmarshal(r.Payload, &m); err != nil {
			return nil, fmt.Errorf("chat journal for page %s: message %d: %w", pageID, r.Seq, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
