package rag

// 多跳判定的启发式权重
const (
	weightModelFlag      = 0.20
	weightMultiSubQuery  = 0.25
	weightMultiStandard  = 0.35
	weightStandardClause = 0.15
	weightManyClauses    = 0.15
	weightTwoClauses     = 0.10
	weightCueWords       = 0.20
)

// 比较与因果连接词（已去重音、小写）
var multihopCues = []string{
	"compara", "comparar", "comparacion", "compare", "comparison",
	"diferencia", "diferencias", "difference", "differences",
	"versus", "vs", "frente a", "en comparacion con",
	"relacion entre", "relaciona", "relationship between",
	"impacto", "impacta", "afecta", "impact", "affects",
	"causa", "causas", "porque", "debido a", "por que", "because", "cause", "due to",
	"ambas", "ambos", "both",
}

// MultihopScore 计算查询需要多跳检索的可能性，结果在 [0,1].
func MultihopScore(text string, subQueryCount int, modelFlag bool) float64 {
	score := 0.0
	if modelFlag {
		score += weightModelFlag
	}
	if subQueryCount >= 2 {
		score += weightMultiSubQuery
	}

	standards := len(ExtractRequestedStandards(text))
	clauses := len(ExtractClauseRefs(text))
	switch {
	case standards >= 2:
		score += weightMultiStandard
	case standards == 1 && clauses >= 2:
		score += weightStandardClause
	}
	switch {
	case clauses >= 3:
		score += weightManyClauses
	case clauses == 2:
		score += weightTwoClauses
	}
	if foldText(text).hasAny(multihopCues) {
		score += weightCueWords
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
