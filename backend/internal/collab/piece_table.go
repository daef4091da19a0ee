package collab

import (
	"strings"

	"chatwiki/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		src := pt.original
		if p.buf == bufAdd {
			src = pt.add
		}
		for _, r := range src[p.offset : p.offset+p.length] {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Apply 先整体校验再修改，越界的 delta 不会留下部分修改
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := d.Check(pt.length); err != nil {
		return err
	}
	pos := 0
	//retain: 沿 piece 列表向前走，对应“移动 pos”；
	//insert: 在当前 pos 插入新 piece；
	//delete: 在当前 pos 裁剪/移除 piece。
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, []rune(op.Text))
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		pt.length += len(text)
		return len(text)
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, np)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	pt.length += len(text)
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		// 这个 piece 里还剩多少可删
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := min(remain, can)

		leftLen := offset
		rightLen := cur.length - offset - take

		repl := make([]piece, 0, 2)
		if leftLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		newPieces := make([]piece, 0, len(pt.pieces)+1)
		newPieces = append(newPieces, pt.pieces[:idx]...)
		newPieces = append(newPieces, repl...)
		newPieces = append(newPieces, pt.pieces[idx+1:]...)
		pt.pieces = newPieces

		// rightLen > 0 时本轮已删完；否则从 repl 之后的 piece 开头继续
		idx += len(repl)
		offset = 0
		remain -= take
		pt.length -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
