// Package algos 提供核算流水的区间聚合结构。
package algos

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SegmentTree 区间和线段树。
// 在净盈亏序列上构建后，任意动作区间的累计盈亏查询为 O(log n)，
// 避免对长流水反复做线性求和。
type SegmentTree struct {
	tree []decimal.Decimal
	n    int
}

// NewSegmentTree 在给定序列上构建区间和线段树，构建为 O(n)
func NewSegmentTree(values []decimal.Decimal) *SegmentTree {
	n := len(values)
	st := &SegmentTree{
		tree: make([]decimal.Decimal, 4*n),
		n:    n,
	}
	st.build(values, 0, 0, n-1)
	return st
}

func (st *SegmentTree) build(values []decimal.Decimal, node, start, end int) {
	if start == end {
		st.tree[node] = values[start]
		return
	}
	mid := (start + end) / 2
	leftChild := 2*node + 1
	rightChild := 2*node + 2
	st.build(values, leftChild, start, mid)
	st.build(values, rightChild, mid+1, end)
	st.tree[node] = st.tree[leftChild].Add(st.tree[rightChild])
}

// Query 查询 [left, right]（含两端）的区间和
func (st *SegmentTree) Query(left, right int) (decimal.Decimal, error) {
	if left < 0 || right >= st.n || left > right {
		return decimal.Zero, fmt.Errorf("invalid range [%d, %d] for size %d", left, right, st.n)
	}
	return st.query(0, 0, st.n-1, left, right), nil
}

func (st *SegmentTree) query(node, start, end, left, right int) decimal.Decimal {
	if right < start || end < left {
		return decimal.Zero
	}
	if left <= start && end <= right {
		return st.tree[node]
	}
	mid := (start + end) / 2
	leftSum := st.query(2*node+1, start, mid, left, right)
	rightSum := st.query(2*node+2, mid+1, end, left, right)
	return leftSum.Add(rightSum)
}
