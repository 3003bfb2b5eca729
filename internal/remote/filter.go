package remote

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Matches は行がすべての条件を満たすかどうかを返す。
// 条件の列が行に存在しない場合は一致しないものとして扱う。
func Matches(row Row, conditions []Condition) bool {
	for _, c := range conditions {
		v, ok := row[c.Column]
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			if compareValues(v, c.Value) != 0 {
				return false
			}
		case OpIn:
			values, _ := c.Value.([]string)
			found := false
			for _, candidate := range values {
				if compareValues(v, candidate) == 0 {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case OpLt:
			if compareValues(v, c.Value) >= 0 {
				return false
			}
		case OpGt:
			if compareValues(v, c.Value) <= 0 {
				return false
			}
		case OpBefore:
			ks, ok := c.Value.(Keyset)
			if !ok {
				return false
			}
			cmp := compareValues(v, ks.Value)
			if cmp > 0 {
				return false
			}
			if cmp == 0 {
				tie, ok := row[ks.TieColumn]
				if !ok || compareValues(tie, ks.Tie) >= 0 {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

// SortRows は指定の並び順で行を安定ソートする。
func SortRows(rows []Row, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range orders {
			cmp := compareValues(rows[i][o.Column], rows[j][o.Column])
			if cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// compareValues は2つの値を比較し、-1, 0, 1を返す。
// nilは常に最小として扱う。型が異なる場合は文字列表現で比較する。
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			default:
				return 1
			}
		}
	case *string:
		if av == nil {
			return compareValues(nil, b)
		}
		return compareValues(*av, b)
	}

	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if bp, ok := b.(*string); ok {
		if bp == nil {
			return compareValues(a, nil)
		}
		b = *bp
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// cloneRow は行のシャローコピーを返す。
// スライス値（media_refs等）は呼び出し側の変更が波及しないようコピーする。
func cloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}
