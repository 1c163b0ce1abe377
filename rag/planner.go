package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/kbretrieval/config"
	"github.com/BaSui01/kbretrieval/llm"
)

// PlanStrategy 计划的来源
type PlanStrategy string

const (
	StrategyLLM           PlanStrategy = "llm"
	StrategySimple        PlanStrategy = "simple"
	StrategyDeterministic PlanStrategy = "deterministic"
)

const plannerSystemPrompt = `You decompose retrieval queries over a knowledge base of management-system standards.
Reply with a single JSON object and nothing else:
{"is_multihop": bool, "execution_mode": "parallel"|"sequential",
 "sub_queries": [{"id": string, "query": string, "dependency_id": string|null,
   "target_relations": [string], "target_node_types": [string], "is_deep": bool}]}
Use one sub-query when the question has a single intent. Keep each sub-query self-contained.`

// 单意图提示词（已去重音）
var singleIntentCues = []string{
	"que", "cual", "cuales", "como", "donde", "cuando", "quien", "define", "definicion",
	"explica", "lista", "describe", "what", "which", "how", "where", "when", "who", "list", "explain",
}

// QueryPlanner 把一个查询拆成 QueryPlan.
// Decompose 永远不返回错误：LLM 超时、解析失败或出错时走确定性回退.
type QueryPlanner struct {
	chat  llm.ChatProvider
	cfg   config.PlannerConfig
	deps  deps
	newID func() string
}

// NewQueryPlanner 创建规划器，chat 为 nil 时只使用确定性规划.
func NewQueryPlanner(chat llm.ChatProvider, cfg config.PlannerConfig, opts ...Option) *QueryPlanner {
	def := config.DefaultPlannerConfig()
	if cfg.MaxSubQueries <= 0 {
		cfg.MaxSubQueries = def.MaxSubQueries
	}
	if cfg.SimpleQueryMaxChars <= 0 {
		cfg.SimpleQueryMaxChars = def.SimpleQueryMaxChars
	}
	if cfg.SubQueryMaxChars <= 0 {
		cfg.SubQueryMaxChars = def.SubQueryMaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &QueryPlanner{
		chat:  chat,
		cfg:   cfg,
		deps:  newDeps("planner", opts),
		newID: uuid.NewString,
	}
}

// Decompose 生成查询计划.
func (p *QueryPlanner) Decompose(ctx context.Context, query string) QueryPlan {
	ctx, span := p.deps.tracer.Start(ctx, "rag.planner.decompose")
	defer span.End()
	start := time.Now()

	plan := p.decompose(ctx, strings.TrimSpace(query))

	outcome := string(plan.Strategy)
	if plan.FallbackReason != "" {
		outcome = plan.FallbackReason
	}
	p.deps.metrics.RecordPlannerOutcome(outcome)
	p.deps.metrics.RecordStage("planner", time.Since(start))
	span.SetAttributes(
		attribute.String("planner.strategy", string(plan.Strategy)),
		attribute.Bool("planner.multihop", plan.IsMultihop),
		attribute.Int("planner.sub_queries", len(plan.SubQueries)),
		attribute.String("planner.fallback_reason", plan.FallbackReason),
	)
	return plan
}

func (p *QueryPlanner) decompose(ctx context.Context, query string) QueryPlan {
	if query == "" {
		return QueryPlan{ExecutionMode: ExecutionParallel, Strategy: StrategySimple}
	}
	if IsSimpleSingleHopQuery(query, p.cfg.SimpleQueryMaxChars) {
		return p.singlePlan(query, StrategySimple, "")
	}
	if p.chat == nil {
		return p.DeterministicPlan(query, FallbackDeterministicError)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	raw, err := p.complete(callCtx, query)
	if err != nil {
		reason := FallbackDeterministicError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			reason = FallbackDeterministicTimeout
		}
		p.deps.logger.Warn("planner call failed, using deterministic plan",
			zap.String("reason", reason), zap.Error(err))
		return p.DeterministicPlan(query, reason)
	}

	parsed, err := parsePlanResponse(raw)
	if err != nil {
		p.deps.logger.Warn("planner response not parseable, using deterministic plan",
			zap.Error(err), zap.Int("response_len", len(raw)))
		return p.DeterministicPlan(query, FallbackDeterministicParse)
	}
	return p.normalize(query, parsed)
}

// llmPlan 是模型输出的宽松结构
type llmPlan struct {
	IsMultihop    bool          `json:"is_multihop"`
	ExecutionMode string        `json:"execution_mode"`
	SubQueries    []llmSubQuery `json:"sub_queries"`
}

type llmSubQuery struct {
	ID              string   `json:"id"`
	Query           string   `json:"query"`
	DependencyID    *string  `json:"dependency_id"`
	TargetRelations []string `json:"target_relations"`
	TargetNodeTypes []string `json:"target_node_types"`
	IsDeep          *bool    `json:"is_deep"`
}

// parsePlanResponse 宽松解析：去掉 markdown 代码块，否则截取第一个 { 到最后一个 }.
type completion struct {
	raw string
	err error
}

// complete 在独立 goroutine 中调用 LLM，超时或取消后立即返回，不等待忽略 ctx 的 provider.
func (p *QueryPlanner) complete(ctx context.Context, query string) (string, error) {
	done := make(chan completion, 1)
	go func() {
		raw, err := p.chat.Complete(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: plannerSystemPrompt},
			{Role: llm.RoleUser, Content: query},
		})
		done <- completion{raw: raw, err: err}
	}()
	select {
	case c := <-done:
		return c.raw, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func parsePlanResponse(raw string) (llmPlan, error) {
	body, ok := ExtractJSONObject(raw)
	if !ok {
		return llmPlan{}, fmt.Errorf("no JSON object in planner response")
	}
	var plan llmPlan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return llmPlan{}, fmt.Errorf("decode planner response: %w", err)
	}
	plan.SubQueries = slices.DeleteFunc(plan.SubQueries, func(sq llmSubQuery) bool {
		return strings.TrimSpace(sq.Query) == ""
	})
	if len(plan.SubQueries) == 0 {
		return llmPlan{}, fmt.Errorf("planner response has no sub-queries")
	}
	return plan, nil
}

// ExtractJSONObject 从模型输出中取出 JSON 对象文本.
func ExtractJSONObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return s, true
	}
	first, last := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if first < 0 || last <= first {
		return "", false
	}
	candidate := s[first : last+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}

func (p *QueryPlanner) normalize(query string, in llmPlan) QueryPlan {
	plan := QueryPlan{
		IsMultihop:    in.IsMultihop,
		ExecutionMode: ExecutionParallel,
		Strategy:      StrategyLLM,
	}
	if strings.EqualFold(strings.TrimSpace(in.ExecutionMode), string(ExecutionSequential)) {
		plan.ExecutionMode = ExecutionSequential
	}

	subs := in.SubQueries
	if len(subs) > p.cfg.MaxSubQueries {
		subs = subs[:p.cfg.MaxSubQueries]
	}
	seen := make(map[string]struct{}, len(subs))
	for _, sq := range subs {
		id := strings.TrimSpace(sq.ID)
		if _, dup := seen[id]; id == "" || dup {
			id = p.newID()
		}
		seen[id] = struct{}{}
		out := PlannedSubQuery{
			ID:              id,
			Query:           truncateRunes(strings.TrimSpace(sq.Query), p.cfg.SubQueryMaxChars),
			TargetRelations: slices.Compact(slices.Clone(sq.TargetRelations)),
			TargetNodeTypes: slices.Compact(slices.Clone(sq.TargetNodeTypes)),
		}
		if sq.DependencyID != nil {
			out.DependencyID = strings.TrimSpace(*sq.DependencyID)
		}
		hints := InferGraphHints(out.Query)
		if len(out.TargetRelations) == 0 {
			out.TargetRelations = hints.Relations
		}
		if len(out.TargetNodeTypes) == 0 {
			out.TargetNodeTypes = hints.NodeTypes
		}
		if sq.IsDeep != nil {
			out.IsDeep = *sq.IsDeep
		} else {
			out.IsDeep = hints.Deep
		}
		plan.SubQueries = append(plan.SubQueries, out)
	}
	// 依赖只能指向计划内已出现的子查询
	for i := range plan.SubQueries {
		dep := plan.SubQueries[i].DependencyID
		if dep == "" {
			continue
		}
		if _, ok := seen[dep]; !ok || dep == plan.SubQueries[i].ID {
			plan.SubQueries[i].DependencyID = ""
		}
	}

	if !plan.IsMultihop {
		plan.SubQueries = plan.SubQueries[:1]
		return plan
	}
	if score := MultihopScore(query, len(plan.SubQueries), in.IsMultihop); score < p.cfg.MultihopTolerance {
		p.deps.logger.Debug("multihop plan below tolerance, collapsing",
			zap.Float64("score", score), zap.Float64("tolerance", p.cfg.MultihopTolerance))
		plan.IsMultihop = false
		plan.ExecutionMode = ExecutionParallel
		plan.SubQueries = plan.SubQueries[:1]
		plan.FallbackReason = FallbackMultihopBelowTol
	}
	return plan
}

func (p *QueryPlanner) singlePlan(query string, strategy PlanStrategy, reason string) QueryPlan {
	hints := InferGraphHints(query)
	return QueryPlan{
		ExecutionMode:  ExecutionParallel,
		Strategy:       strategy,
		FallbackReason: reason,
		SubQueries: []PlannedSubQuery{{
			ID:              p.newID(),
			Query:           truncateRunes(query, p.cfg.SubQueryMaxChars),
			TargetRelations: hints.Relations,
			TargetNodeTypes: hints.NodeTypes,
			IsDeep:          hints.Deep,
		}},
	}
}

// DeterministicPlan 不依赖 LLM 的回退计划：每个标准一个子查询，并配上位置最近的条款.
// 没有标准时返回与原查询相同的单个子查询.
func (p *QueryPlanner) DeterministicPlan(query, reason string) QueryPlan {
	query = strings.TrimSpace(query)
	standards := locateStandards(query)
	if len(standards) <= 1 {
		plan := p.singlePlan(query, StrategyDeterministic, reason)
		if len(standards) == 1 {
			sq := &plan.SubQueries[0]
			sq.Query = p.standardSubQuery(query, standards[0].label, nearestClause(standards[0], locateClauses(query)))
		}
		return plan
	}

	clauses := locateClauses(query)
	if len(standards) > p.cfg.MaxSubQueries {
		standards = standards[:p.cfg.MaxSubQueries]
	}
	plan := QueryPlan{
		IsMultihop:     len(standards) >= 2,
		ExecutionMode:  ExecutionParallel,
		Strategy:       StrategyDeterministic,
		FallbackReason: reason,
	}
	for _, std := range standards {
		text := p.standardSubQuery(query, std.label, nearestClause(std, clauses))
		hints := InferGraphHints(text)
		plan.SubQueries = append(plan.SubQueries, PlannedSubQuery{
			ID:              p.newID(),
			Query:           text,
			TargetRelations: hints.Relations,
			TargetNodeTypes: hints.NodeTypes,
			IsDeep:          hints.Deep,
		})
	}
	return plan
}

func (p *QueryPlanner) standardSubQuery(query, standard, clause string) string {
	head := standard
	if clause != "" {
		head += " " + clause
	}
	return truncateRunes(head+": "+query, p.cfg.SubQueryMaxChars)
}

// textSpan 以字符为单位的位置
type textSpan struct {
	label      string
	start, end int
}

func locateStandards(text string) []textSpan {
	var out []textSpan
	seen := make(map[string]struct{})
	for _, loc := range standardPattern.FindAllStringSubmatchIndex(text, -1) {
		label := canonicalStandard(text[loc[2]:loc[3]], text[loc[4]:loc[5]])
		key := ScopeKey(label)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, textSpan{label: label, start: runeOffset(text, loc[0]), end: runeOffset(text, loc[1])})
	}
	return out
}

func locateClauses(text string) []textSpan {
	var out []textSpan
	for _, loc := range clausePattern.FindAllStringIndex(text, -1) {
		out = append(out, textSpan{label: text[loc[0]:loc[1]], start: runeOffset(text, loc[0]), end: runeOffset(text, loc[1])})
	}
	return out
}

// nearestClause 按间距选最近的条款，间距相同时取标准之后的条款.
func nearestClause(std textSpan, clauses []textSpan) string {
	best, bestGap, bestAfter := "", -1, false
	for _, c := range clauses {
		after := c.start >= std.end
		gap := std.start - c.end
		if after {
			gap = c.start - std.end
		}
		if gap < 0 {
			gap = 0
		}
		if bestGap < 0 || gap < bestGap || (gap == bestGap && after && !bestAfter) {
			best, bestGap, bestAfter = c.label, gap, after
		}
	}
	return best
}

// IsSimpleSingleHopQuery 判断查询是否足够简单，可以跳过 LLM 规划.
func IsSimpleSingleHopQuery(query string, maxChars int) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}
	if maxChars > 0 && len([]rune(query)) > maxChars {
		return false
	}
	if strings.Count(query, "?") > 1 || strings.ContainsAny(query, ";\n") {
		return false
	}
	folded := foldText(query)
	if folded.hasAny(multihopCues) {
		return false
	}
	standards := ExtractRequestedStandards(query)
	if len(standards) > 1 || len(ExtractClauseRefs(query)) > 1 {
		return false
	}
	if len(standards) == 1 {
		return true
	}
	words := folded.words()
	for i := 0; i < len(words) && i < 3; i++ {
		if slices.Contains(singleIntentCues, words[i]) {
			return true
		}
	}
	return false
}

// GraphHints 子查询的图谱遍历提示.
type GraphHints struct {
	Relations []string
	NodeTypes []string
	Deep      bool
}

var relationHints = []struct {
	relation string
	cues     []string
}{
	{"REQUIRES", []string{"exige", "requiere", "requisito", "requisitos", "obligatorio", "requires", "requirement", "must"}},
	{"REFERENCES", []string{"referencia", "cita", "menciona", "refers", "references", "cites"}},
	{"PART_OF", []string{"parte de", "incluye", "contiene", "part of", "includes", "contains"}},
	{"DEPENDS_ON", []string{"depende", "impacta", "afecta", "causa", "depends", "impacts", "affects", "causes"}},
	{"EQUIVALENT_TO", []string{"equivalente", "corresponde", "homologa", "equivalent", "corresponds", "maps to"}},
	{"RELATED_TO", []string{"relacion", "relaciona", "compara", "diferencia", "related", "compare", "difference"}},
}

var nodeTypeHints = []struct {
	nodeType string
	cues     []string
}{
	{"Clause", []string{"clausula", "numeral", "apartado", "seccion", "clause", "section"}},
	{"Standard", []string{"norma", "estandar", "standard"}},
	{"Requirement", []string{"requisito", "requisitos", "requirement", "requirements"}},
	{"Process", []string{"proceso", "procedimiento", "process", "procedure"}},
	{"Risk", []string{"riesgo", "riesgos", "risk", "risks"}},
	{"Control", []string{"control", "controles", "controls"}},
	{"Document", []string{"documento", "registro", "informacion documentada", "document", "record"}},
}

var deepCues = []string{
	"cadena", "trazabilidad", "indirecto", "indirectamente", "causa raiz", "por que",
	"chain", "traceability", "indirect", "indirectly", "root cause", "why",
}

// InferGraphHints 根据关键词推断关系、节点类型与是否深度遍历.
func InferGraphHints(text string) GraphHints {
	folded := foldText(text)
	var h GraphHints
	for _, rh := range relationHints {
		if folded.hasAny(rh.cues) {
			h.Relations = append(h.Relations, rh.relation)
		}
	}
	for _, nh := range nodeTypeHints {
		if folded.hasAny(nh.cues) {
			h.NodeTypes = append(h.NodeTypes, nh.nodeType)
		}
	}
	if len(ExtractClauseRefs(text)) > 0 && !slices.Contains(h.NodeTypes, "Clause") {
		h.NodeTypes = append(h.NodeTypes, "Clause")
	}
	if len(ExtractRequestedStandards(text)) > 0 && !slices.Contains(h.NodeTypes, "Standard") {
		h.NodeTypes = append(h.NodeTypes, "Standard")
	}
	h.Deep = folded.hasAny(deepCues) || len(h.Relations) >= 2
	return h
}
