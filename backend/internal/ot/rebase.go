// Package ot 把基于旧版本的区间替换变换到最新版本上。
package ot

import (
	"errors"
	"fmt"

	"chatwiki/backend/internal/ot/delta"
)

var ErrConflict = errors.New("CONFLICT")

// Transform 把 ops 从 applied 的 base 坐标变换到 applied 生效之后的坐标。
// 两者都要求按 Start 升序且互不重叠（即都通过了 delta.Validate）。
//
// 规则：
//   - op 整体位于 q 之前（op.End <= q.Start）：不动
//   - op 整体位于 q 之后（op.Start >= q.End）：平移 q.Shift()
//   - 其余情况区间相交：冲突
//
// 同一位置的两个插入按第一条规则处理，后到的插入落在先到的插入之前。
func Transform(ops, applied []delta.Replace) ([]delta.Replace, error) {
	out := make([]delta.Replace, len(ops))
	for i, op := range ops {
		shift := 0
		for _, q := range applied {
			switch {
			case op.End <= q.Start:
			case op.Start >= q.End:
				shift += q.Shift()
			default:
				return nil, fmt.Errorf("%w: [%d,%d) overlaps accepted edit [%d,%d)", ErrConflict, op.Start, op.End, q.Start, q.End)
			}
		}
		out[i] = delta.Replace{Start: op.Start + shift, End: op.End + shift, Text: op.Text}
	}
	return out, nil
}

// Rebase 依次经过每个中间补丁做 Transform，intervening 按修订号升序排列。
func Rebase(ops []delta.Replace, intervening [][]delta.Replace) ([]delta.Replace, error) {
	cur := ops
	for _, applied := range intervening {
		next, err := Transform(cur, applied)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
