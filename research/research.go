/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Deep research orchestration. A methodology tunes
             search-graph parameters and pass structure rather
             than defining separate pipelines: systematic runs
             fixed breadth-first passes, exploratory derives
             follow-up queries, comparative runs one pass per
             target, meta-analysis runs one enhancement-heavy
             pass. Time and cost budgets thread into each pass.
Root Cause:  Sprint tasks S140-S143 — Deep research.
Context:     Built entirely on the search graph; no new node
             types.
Suitability: L3 — multi-pass budget allocation.
──────────────────────────────────────────────────────────────
*/

package research

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/errs"
	"github.com/AlfredDev/sage/graph"
)

// Methodologies accepted on a deep-dive request.
const (
	MethodSystematic   = "systematic"
	MethodExploratory  = "exploratory"
	MethodComparative  = "comparative"
	MethodMetaAnalysis = "meta-analysis"
)

// Request describes one deep-dive.
type Request struct {
	Question    string
	Methodology string
	TimeBudget  time.Duration
	CostBudget  float64
	Sources     []string
	DepthLevel  int // 1–5
	SessionID   string
	UserID      string
}

// PassReport captures one search pass.
type PassReport struct {
	Query     string           `json:"query"`
	Response  string           `json:"response"`
	Citations []graph.Citation `json:"citations"`
	Cost      float64          `json:"cost"`
	Path      []string         `json:"execution_path"`
}

// Report is the aggregated deep-dive result.
type Report struct {
	Question    string           `json:"question"`
	Methodology string           `json:"methodology"`
	Summary     string           `json:"summary"`
	Passes      []PassReport     `json:"passes"`
	Citations   []graph.Citation `json:"citations"`
	Sources     []string         `json:"sources_consulted"`
	TotalCost   float64          `json:"total_cost"`
	Elapsed     time.Duration    `json:"elapsed"`
}

// SearchRunner executes one search pass. The gateway service satisfies
// this; the indirection keeps research testable without live providers.
type SearchRunner interface {
	RunSearchPass(ctx context.Context, query, userID, sessionID, quality string, budget float64, deadline time.Duration) (*graph.State, error)
}

// Engine runs deep dives over a SearchRunner.
type Engine struct {
	logger zerolog.Logger
	runner SearchRunner
}

// New creates the research engine.
func New(logger zerolog.Logger, runner SearchRunner) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "research").Logger(),
		runner: runner,
	}
}

// DeepDive executes the research plan for the request.
func (e *Engine) DeepDive(ctx context.Context, req Request) (*Report, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	start := time.Now()
	deadline := req.TimeBudget

	plan := e.planQueries(req)
	perPassBudget := req.CostBudget / float64(len(plan))
	perPassDeadline := deadline / time.Duration(len(plan))

	quality := graph.QualityHigh
	if req.DepthLevel >= 4 || req.Methodology == MethodMetaAnalysis {
		quality = graph.QualityPremium
	}

	report := &Report{Question: req.Question, Methodology: req.Methodology}
	seen := make(map[string]bool)

	for i := 0; i < len(plan); i++ {
		query := plan[i]
		if time.Since(start) > deadline {
			e.logger.Warn().Str("question", req.Question).Int("pass", i).Msg("time budget exhausted, truncating research")
			break
		}

		state, err := e.runner.RunSearchPass(ctx, query, req.UserID, req.SessionID, quality, perPassBudget, perPassDeadline)
		if err != nil && state == nil {
			return nil, err
		}

		pass := PassReport{Query: query}
		if state != nil {
			pass.Response = state.FinalResponse
			pass.Citations = state.Citations
			pass.Cost = state.TotalCost()
			pass.Path = state.ExecutionPath
			report.TotalCost += pass.Cost
			report.Citations = append(report.Citations, state.Citations...)
			for _, src := range state.SourcesConsulted {
				if !seen[src] {
					seen[src] = true
					report.Sources = append(report.Sources, src)
				}
			}
		}
		report.Passes = append(report.Passes, pass)

		// Exploratory methodology grows the plan from what each pass
		// surfaced, bounded by depth.
		if req.Methodology == MethodExploratory && state != nil && len(plan) < req.DepthLevel+1 {
			if followUp := deriveFollowUp(req.Question, state); followUp != "" {
				plan = append(plan, followUp)
				perPassBudget = (req.CostBudget - report.TotalCost) / float64(len(plan)-i)
			}
		}
	}

	if len(report.Passes) == 0 {
		return nil, errs.New(errs.CodeTimeout, "research time budget expired before the first pass")
	}

	report.Summary = summarize(report)
	report.Elapsed = time.Since(start)
	return report, nil
}

// planQueries derives the initial pass list from the methodology.
func (e *Engine) planQueries(req Request) []string {
	switch req.Methodology {
	case MethodComparative:
		targets := splitComparison(req.Question)
		if len(targets) >= 2 {
			queries := make([]string, 0, len(targets)+1)
			for _, t := range targets {
				queries = append(queries, fmt.Sprintf("%s: strengths, weaknesses, and typical use", t))
			}
			queries = append(queries, req.Question)
			return queries
		}
		return []string{req.Question}
	case MethodMetaAnalysis:
		return []string{req.Question}
	case MethodExploratory:
		return []string{req.Question}
	default: // systematic: fixed breadth-first decomposition scaled by depth
		queries := []string{req.Question}
		angles := []string{"background and definitions", "current state of the art", "limitations and open problems", "practical applications"}
		for i := 0; i < req.DepthLevel-1 && i < len(angles); i++ {
			queries = append(queries, fmt.Sprintf("%s — %s", req.Question, angles[i]))
		}
		return queries
	}
}

// deriveFollowUp picks the highest-ranked unexplored source topic.
func deriveFollowUp(question string, state *graph.State) string {
	if len(state.Citations) == 0 {
		return ""
	}
	top := state.Citations[0]
	if top.Title == "" {
		return ""
	}
	return fmt.Sprintf("%s in the context of: %s", top.Title, question)
}

func summarize(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research on %q (%s methodology, %d passes):\n\n", r.Question, r.Methodology, len(r.Passes))
	for i, p := range r.Passes {
		if p.Response == "" {
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n%s\n\n", i+1, p.Query, p.Response)
	}
	return strings.TrimSpace(b.String())
}

// splitComparison extracts comparison targets from "X vs Y" style
// questions.
func splitComparison(question string) []string {
	lower := strings.ToLower(question)
	for _, sep := range []string{" versus ", " vs. ", " vs ", " compared to ", " and "} {
		if idx := strings.Index(lower, sep); idx > 0 {
			left := strings.TrimSpace(question[:idx])
			right := strings.TrimSpace(question[idx+len(sep):])
			// Drop a leading verb like "compare".
			for _, prefix := range []string{"compare ", "contrast "} {
				if strings.HasPrefix(strings.ToLower(left), prefix) {
					left = strings.TrimSpace(left[len(prefix):])
				}
			}
			if left != "" && right != "" {
				return []string{left, right}
			}
		}
	}
	return nil
}

func validate(req *Request) error {
	if req.Question == "" {
		return errs.New(errs.CodeInvalidRequest, "research_question must not be empty")
	}
	switch req.Methodology {
	case MethodSystematic, MethodExploratory, MethodComparative, MethodMetaAnalysis:
	case "":
		req.Methodology = MethodSystematic
	default:
		return errs.Newf(errs.CodeInvalidRequest, "unknown methodology %q", req.Methodology)
	}
	if req.DepthLevel < 1 {
		req.DepthLevel = 1
	}
	if req.DepthLevel > 5 {
		req.DepthLevel = 5
	}
	if req.CostBudget <= 0 {
		req.CostBudget = 0.5
	}
	if req.TimeBudget <= 0 {
		req.TimeBudget = 60 * time.Second
	}
	return nil
}
