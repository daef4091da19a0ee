package delta

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（rune）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

var ErrInvalidRange = errors.New("INVALID_RANGE")

// Replace 用 Text 替换 [Start, End) 区间，偏移按 rune 计算。
// Start == End 表示纯插入，Text 为空表示纯删除。
type Replace struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text,omitempty"`
}

func (r Replace) Len() int { return r.End - r.Start }

// Shift 是该操作应用后，其后方文本偏移的变化量
func (r Replace) Shift() int { return utf8.RuneCountInString(r.Text) - r.Len() }

// Validate 检查一组替换操作是否都落在长度为 n 的文本内，且按 Start 升序、互不重叠。
// 同一个补丁内的所有区间都以补丁的 base 内容为坐标。
func Validate(ops []Replace, n int) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: no operations", ErrInvalidRange)
	}
	prevEnd := 0
	for i, op := range ops {
		if op.Start < 0 || op.End < op.Start || op.End > n {
			return fmt.Errorf("%w: op %d [%d,%d) outside content of length %d", ErrInvalidRange, i, op.Start, op.End, n)
		}
		if i > 0 && op.Start < prevEnd {
			return fmt.Errorf("%w: op %d overlaps op %d", ErrInvalidRange, i, i-1)
		}
		prevEnd = op.End
	}
	return nil
}

// ToDelta 把基于同一 base 的区间替换转换成 retain/delete/insert 序列，
// 调用前应先通过 Validate。
func ToDelta(ops []Replace) Delta {
	d := make(Delta, 0, len(ops)*3)
	pos := 0
	for _, op := range ops {
		if op.Start > pos {
			d = append(d, Op{Kind: KindRetain, Count: op.Start - pos})
		}
		if n := op.Len(); n > 0 {
			d = append(d, Op{Kind: KindDelete, Count: n})
		}
		if op.Text != "" {
			d = append(d, Op{Kind: KindInsert, Text: op.Text})
		}
		pos = op.End
	}
	return d
}

// Check 校验 delta 能否作用在长度为 n 的文本上
func (d Delta) Check(n int) error {
	pos := 0
	for i, op := range d {
		switch op.Kind {
		case KindRetain, KindDelete:
			if op.Count < 0 || pos+op.Count > n {
				return fmt.Errorf("%w: %s op %d runs past end of content (%d > %d)", ErrInvalidRange, op.Kind, i, pos+op.Count, n)
			}
			if op.Kind == KindRetain {
				pos += op.Count
			} else {
				n -= op.Count
			}
		case KindInsert:
			c := utf8.RuneCountInString(op.Text)
			pos += c
			n += c
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrInvalidRange, op.Kind)
		}
	}
	return nil
}
