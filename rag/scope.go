package rag

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/kbretrieval/types"
)

// 条款窗口：标准出现位置之前 80、之后 120 个字符
const (
	clauseWindowBefore = 80
	clauseWindowAfter  = 120
)

var (
	standardPattern = regexp.MustCompile(
		`(?i)\b(iso\s*/\s*iec|iso|iec|une|ntc|nch|ohsas|astm|nfpa|ieee)\s*[-_:./]?\s*(\d{3,5})(?:\s*[-:]\s*(?:19|20)\d{2})?\b`)
	clausePattern  = regexp.MustCompile(`\b\d+(?:\.\d+)+\b`)
	nonKeyRunes    = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	wsOrSeparators = regexp.MustCompile(`[\s_\-]+`)
)

// ExtractRequestedStandards 提取文本中的标准标签，保持首次出现顺序并去重.
func ExtractRequestedStandards(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range standardPattern.FindAllStringSubmatch(text, -1) {
		label := canonicalStandard(m[1], m[2])
		key := ScopeKey(label)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, label)
	}
	return out
}

// ExtractClauseRefs 提取点分数字条款（如 8.5.1），保持顺序并去重.
func ExtractClauseRefs(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range clausePattern.FindAllString(text, -1) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

func canonicalStandard(prefix, number string) string {
	prefix = strings.ToUpper(strings.Join(strings.Fields(prefix), ""))
	return prefix + " " + number
}

// ScopeKey 把范围标签规整为可比较的 key，与标点、大小写、空白无关.
// 可识别的标准会先去掉年份后缀：ISO 9001:2015 与 iso-9001 得到同一个 key.
func ScopeKey(label string) string {
	if m := standardPattern.FindStringSubmatch(label); m != nil && strings.TrimSpace(m[0]) == strings.TrimSpace(label) {
		label = canonicalStandard(m[1], m[2])
	}
	return strings.ToLower(nonKeyRunes.ReplaceAllString(label, ""))
}

// NormalizeScopeName 返回展示用的标签.
func NormalizeScopeName(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	if m := standardPattern.FindStringSubmatch(label); m != nil && strings.TrimSpace(m[0]) == label {
		return canonicalStandard(m[1], m[2])
	}
	return strings.ToUpper(strings.Join(strings.Fields(wsOrSeparators.ReplaceAllString(label, " ")), " "))
}

// ClauseNearStandard 在标准首次出现位置附近的窗口中查找条款.
// 窗口内恰好一个不同的条款时返回它；零个或多个时返回空串，不做猜测.
func ClauseNearStandard(query, standard string) string {
	want := ScopeKey(standard)
	if want == "" {
		return ""
	}
	start, end := -1, -1
	for _, loc := range standardPattern.FindAllStringSubmatchIndex(query, -1) {
		label := canonicalStandard(query[loc[2]:loc[3]], query[loc[4]:loc[5]])
		if ScopeKey(label) == want {
			start, end = runeOffset(query, loc[0]), runeOffset(query, loc[1])
			break
		}
	}
	if start < 0 {
		return ""
	}
	lo, hi := start-clauseWindowBefore, end+clauseWindowAfter

	found := ""
	for _, loc := range clausePattern.FindAllStringIndex(query, -1) {
		cs, ce := runeOffset(query, loc[0]), runeOffset(query, loc[1])
		if cs < lo || ce > hi {
			continue
		}
		token := query[loc[0]:loc[1]]
		if found != "" && found != token {
			return ""
		}
		found = token
	}
	return found
}

func runeOffset(s string, byteIdx int) int {
	return utf8.RuneCountInString(s[:byteIdx])
}

// RequestedScopesFromContext 合并顶层与 filters 中单数/复数标准字段，保持顺序并去重.
func RequestedScopesFromContext(sc ScopeContext) []string {
	var raw []string
	raw = append(raw, sc.SourceStandard)
	raw = append(raw, sc.SourceStandards...)
	raw = append(raw, sc.Filters.SourceStandard)
	raw = append(raw, sc.Filters.SourceStandards...)
	return dedupeScopes(raw)
}

func dedupeScopes(raw []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, s := range raw {
		name := NormalizeScopeName(s)
		key := ScopeKey(name)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ResolveFilters 生成最终过滤条件.
//
// 上下文声明的标准优先于从查询中提取的标准；只有恰好一个标准时才附加条款，
// 两个及以上标准时使用复数字段且不带条款.
func ResolveFilters(query string, sc ScopeContext) (Filters, error) {
	scopeType := sc.Type
	tenantID := firstNonEmpty(sc.TenantID, sc.Filters.TenantID)
	if sc.TenantID != "" && sc.Filters.TenantID != "" && sc.TenantID != sc.Filters.TenantID {
		return Filters{}, types.NewTenantMismatchError(sc.TenantID, sc.Filters.TenantID)
	}
	if scopeType == "" {
		scopeType = sc.Filters.ScopeType
	}
	if scopeType == "" {
		if tenantID != "" {
			scopeType = ScopeInstitutional
		} else {
			scopeType = ScopeGlobal
		}
	}

	f := Filters{ScopeType: scopeType}
	switch scopeType {
	case ScopeInstitutional:
		if strings.TrimSpace(tenantID) == "" {
			return Filters{}, types.NewConfigurationError("institutional scope requires tenant_id")
		}
		f.TenantID = tenantID
	case ScopeGlobal:
	default:
		return Filters{}, types.NewConfigurationError("unknown scope type: " + string(scopeType))
	}
	f.CollectionID = firstNonEmpty(sc.CollectionID, sc.Filters.CollectionID)
	if len(sc.Filters.Extra) > 0 {
		f.Extra = sc.Filters.Clone().Extra
	}

	standards := RequestedScopesFromContext(sc)
	if len(standards) == 0 {
		standards = ExtractRequestedStandards(query)
	}
	switch len(standards) {
	case 0:
	case 1:
		f.SourceStandard = standards[0]
		f.ClauseID = sc.Filters.ClauseID
		if f.ClauseID == "" {
			f.ClauseID = clauseForStandard(query, standards[0])
		}
	default:
		f.SourceStandards = standards
	}
	return f, nil
}

// clauseForStandard 标准未在查询中出现（来自上下文）时，查询里唯一的条款也可采用.
func clauseForStandard(query, standard string) string {
	if clause := ClauseNearStandard(query, standard); clause != "" {
		return clause
	}
	for _, s := range ExtractRequestedStandards(query) {
		if ScopeKey(s) == ScopeKey(standard) {
			return ""
		}
	}
	if refs := ExtractClauseRefs(query); len(refs) == 1 {
		return refs[0]
	}
	return ""
}

// EnforceTenant 校验请求上下文中的租户与过滤条件一致，不一致时直接拒绝.
func EnforceTenant(ctx context.Context, f Filters) error {
	ambient, ok := types.TenantID(ctx)
	if !ok || f.TenantID == "" {
		return nil
	}
	if ambient != f.TenantID {
		return types.NewTenantMismatchError(ambient, f.TenantID)
	}
	return nil
}

// RowScopes 返回行元数据中声明的标准，未声明时为空.
func RowScopes(metadata map[string]any) []string {
	var raw []string
	for _, key := range []string{"source_standard", "standard", "scope"} {
		if s, ok := metadata[key].(string); ok {
			raw = append(raw, s)
		}
	}
	switch v := metadata["source_standards"].(type) {
	case []string:
		raw = append(raw, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	}
	return dedupeScopes(raw)
}

// ApplyScopePenalty 对范围不在请求集合内的行做软惩罚：分数乘以 (1-factor)，下限为 0.
// 无法识别范围或范围匹配的行原样保留；不会丢弃任何行.
func ApplyScopePenalty(rows []RerankedResult, requested []string, factor float64) []RerankedResult {
	out := slices.Clone(rows)
	if len(requested) == 0 {
		return out
	}
	want := make(map[string]struct{}, len(requested))
	for _, s := range requested {
		want[ScopeKey(s)] = struct{}{}
	}
	multiplier := 1 - factor
	if multiplier < 0 {
		multiplier = 0
	}
	for i, row := range out {
		scopes := RowScopes(row.Metadata)
		if len(scopes) == 0 || anyScopeIn(scopes, want) {
			continue
		}
		row.Similarity = penalize(row.Similarity, multiplier)
		row.Score = penalize(row.Score, multiplier)
		if row.JinaRelevanceScore != nil {
			row.JinaRelevanceScore = float64Ptr(penalize(*row.JinaRelevanceScore, multiplier))
		}
		if row.SemanticRelevanceScore != nil {
			row.SemanticRelevanceScore = float64Ptr(penalize(*row.SemanticRelevanceScore, multiplier))
		}
		row.ScopePenalized = true
		row.ScopePenalty = factor
		out[i] = row
	}
	return out
}

func penalize(v, multiplier float64) float64 {
	v *= multiplier
	if v < 0 {
		return 0
	}
	return v
}

func anyScopeIn(scopes []string, want map[string]struct{}) bool {
	for _, s := range scopes {
		if _, ok := want[ScopeKey(s)]; ok {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
