package rag

import "slices"

// DefaultRRFK 是 RRF 平滑常数的常用取值
const DefaultRRFK = 60

// RankedList 参与融合的一路排序结果，Rows 的顺序即排名.
type RankedList struct {
	Weight float64
	Rows   []RetrievalCandidate
}

// FuseRRF 加权倒数排名融合：第 r 名（从 1 开始）贡献 w/(K+r).
// 结果按累计分数降序，分数相同按首次出现顺序；同一列表内重复的 ID 只计首次.
// 同时出现在多路中的行标记为 hybrid.
func FuseRRF(k int, lists ...RankedList) []RetrievalCandidate {
	if k <= 0 {
		k = DefaultRRFK
	}
	type fused struct {
		row   RetrievalCandidate
		score float64
		order int
		hits  int
	}
	byID := make(map[string]*fused)
	var order []*fused

	for _, list := range lists {
		inList := make(map[string]struct{}, len(list.Rows))
		for i, row := range list.Rows {
			if _, dup := inList[row.ID]; dup {
				continue
			}
			inList[row.ID] = struct{}{}

			contrib := list.Weight / float64(k+i+1)
			f, ok := byID[row.ID]
			if !ok {
				f = &fused{row: row, order: len(order)}
				f.row.Metadata = cloneMetadata(row.Metadata)
				byID[row.ID] = f
				order = append(order, f)
			} else if row.Similarity > f.row.Similarity {
				f.row.Similarity = row.Similarity
			}
			f.score += contrib
			f.hits++
		}
	}

	slices.SortStableFunc(order, func(a, b *fused) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			return a.order - b.order
		}
	})

	out := make([]RetrievalCandidate, 0, len(order))
	for _, f := range order {
		row := f.row
		row.Score = f.score
		if f.hits > 1 {
			row.SourceLayer = LayerHybrid
		}
		out = append(out, row)
	}
	return out
}

// MergeDedupe 按合并顺序去重，同一 ID 保留第一次出现的行；limit>0 时截断.
func MergeDedupe(limit int, groups ...[]RetrievalCandidate) []RetrievalCandidate {
	seen := make(map[string]struct{})
	var out []RetrievalCandidate
	for _, g := range groups {
		for _, row := range g {
			if _, ok := seen[row.ID]; ok {
				continue
			}
			seen[row.ID] = struct{}{}
			out = append(out, row)
			if limit > 0 && len(out) == limit {
				return out
			}
		}
	}
	return out
}
