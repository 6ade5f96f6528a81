/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Chat pipeline: classify_intent → fetch_context →
             generate_response → cache_update, with a
             conditional shortcut that skips generation on a
             high-confidence cache hit.
Root Cause:  Sprint tasks S080-S084 — Chat graph.
Context:     Fast path of the gateway. The generation node walks
             the model manager's fallback chain; the cache
             update node writes the content-addressed shortcut.
Suitability: L3 — pipeline composition over shared services.
──────────────────────────────────────────────────────────────
*/

package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/sage/backend"
	"github.com/AlfredDev/sage/cache"
	"github.com/AlfredDev/sage/graph"
	"github.com/AlfredDev/sage/intent"
	"github.com/AlfredDev/sage/model"
)

// Node ids, also visible in execution_path.
const (
	NodeClassify    = "classify_intent"
	NodeContext     = "fetch_context"
	NodeGenerate    = "generate_response"
	NodeCacheUpdate = "cache_update"
	NodeErrors      = "error_handler"
)

// shortcutConfidence is the minimum cached-hit confidence that skips
// generation entirely.
const shortcutConfidence = 0.9

// Deps are the shared services the chat nodes consume.
type Deps struct {
	Logger     zerolog.Logger
	Cache      *cache.Layer
	Models     *model.Manager
	Classifier *intent.Classifier

	ResponseTTL     time.Duration
	ConversationTTL time.Duration
}

// Build assembles the chat graph.
func Build(d Deps) *graph.Graph {
	if d.ResponseTTL <= 0 {
		d.ResponseTTL = time.Hour
	}
	if d.ConversationTTL <= 0 {
		d.ConversationTTL = 24 * time.Hour
	}
	log := d.Logger.With().Str("component", "chat-graph").Logger()

	g := graph.New(NodeClassify)
	g.AddNode(classifyNode(d))
	g.AddNode(contextNode(d, log))
	g.AddNode(generateNode(d, log))
	g.AddNode(cacheUpdateNode(d))
	g.AddNode(errorNode())

	g.AddEdge(NodeClassify, NodeContext)
	// High-confidence cache hits jump straight to the cache update so
	// the shortcut entry's TTL refreshes.
	g.AddConditionalEdge(NodeContext, func(s *graph.State) string {
		if hit, ok := s.ResultOf(NodeContext)["cache_hit"].(bool); ok && hit && s.ConfidenceScore >= shortcutConfidence {
			return "hit"
		}
		return "miss"
	}, map[string]string{
		"hit":  NodeCacheUpdate,
		"miss": NodeGenerate,
	})
	g.AddEdge(NodeGenerate, NodeCacheUpdate)
	g.SetErrorHandler(NodeErrors)
	return g
}

// classifyNode writes intent and complexity into the state.
func classifyNode(d Deps) graph.Node {
	return graph.NodeFunc{
		NodeID: NodeClassify,
		Fn: func(_ context.Context, s *graph.State) graph.NodeResult {
			in, complexity := d.Classifier.Classify(s.OriginalQuery)
			return graph.NodeResult{
				Success:    true,
				Confidence: 0.7,
				Data: map[string]interface{}{
					"intent":     string(in),
					"complexity": complexity,
					"task_type":  in.TaskType(),
				},
			}
		},
	}
}

// contextNode looks up the content-addressed response shortcut and the
// session conversation context.
func contextNode(d Deps, log zerolog.Logger) graph.Node {
	return graph.NodeFunc{
		NodeID: NodeContext,
		Fn: func(ctx context.Context, s *graph.State) graph.NodeResult {
			data := map[string]interface{}{"cache_hit": false}

			if cached, ok := d.Cache.Get(ctx, shortcutKey(s)); ok {
				if entry, ok := cached.(map[string]interface{}); ok {
					if resp, ok := entry["response"].(string); ok && resp != "" {
						conf := 0.0
						if c, ok := entry["confidence"].(float64); ok {
							conf = c
						}
						log.Debug().Str("query_id", s.QueryID).Float64("confidence", conf).Msg("response shortcut hit")
						data["cache_hit"] = true
						data["final_response"] = resp
						return graph.NodeResult{Success: true, Confidence: conf, Data: data}
					}
				}
			}

			if cached, ok := d.Cache.Get(ctx, conversationKey(s)); ok {
				data["conversation_context"] = cached
			}
			return graph.NodeResult{Success: true, Data: data}
		},
	}
}

// generateNode calls the model manager with the classified task type
// and the request's quality requirement.
func generateNode(d Deps, log zerolog.Logger) graph.Node {
	return graph.NodeFunc{
		NodeID: NodeGenerate,
		Fn: func(ctx context.Context, s *graph.State) graph.NodeResult {
			taskType := "conversational"
			if v, ok := s.ResultOf(NodeClassify)["task_type"].(string); ok {
				taskType = v
			}

			prompt := buildPrompt(s)
			fr, err := d.Models.GenerateWithFallback(ctx, taskType, s.QualityRequirement,
				model.SelectionOptions{MaxCostPerCall: s.CostBudgetRemaining},
				backend.GenerateRequest{Prompt: prompt, MaxTokens: maxTokensFor(s.QualityRequirement)})
			if err != nil {
				result := graph.Failure(err)
				if fr != nil {
					result.Data = map[string]interface{}{"models_tried": fr.ModelsTried}
					if len(fr.ModelsTried) > 1 {
						result.Data["escalated"] = true
					}
				}
				return result
			}

			log.Debug().
				Str("query_id", s.QueryID).
				Str("model", fr.Model).
				Int("tokens", fr.Result.TokensGenerated).
				Msg("generation complete")

			data := map[string]interface{}{
				"final_response": fr.Result.Text,
				"model":          fr.Model,
				"models_tried":   fr.ModelsTried,
				"tokens":         fr.Result.TokensGenerated,
			}
			if len(fr.ModelsTried) > 1 {
				data["escalated"] = true
			}
			return graph.NodeResult{
				Success:    true,
				Confidence: confidenceFor(fr.Result),
				Cost:       fr.Cost,
				Data:       data,
			}
		},
	}
}

// cacheUpdateNode stores the response under the content-addressed
// shortcut key and refreshes the conversation context entry.
func cacheUpdateNode(d Deps) graph.Node {
	return graph.NodeFunc{
		NodeID: NodeCacheUpdate,
		Fn: func(ctx context.Context, s *graph.State) graph.NodeResult {
			if s.FinalResponse == "" {
				return graph.NodeResult{Success: true, ShouldStop: true}
			}
			d.Cache.Set(ctx, shortcutKey(s), map[string]interface{}{
				"response":   s.FinalResponse,
				"confidence": s.ConfidenceScore,
			}, d.ResponseTTL, cache.SetOptions{SourceNode: NodeCacheUpdate})

			if s.SessionID != "" {
				d.Cache.Set(ctx, conversationKey(s), map[string]interface{}{
					"last_query":    s.OriginalQuery,
					"last_response": s.FinalResponse,
				}, d.ConversationTTL, cache.SetOptions{SourceNode: NodeCacheUpdate})
			}
			return graph.NodeResult{Success: true, ShouldStop: true}
		},
	}
}

// errorNode composes the user-facing degraded response.
func errorNode() graph.Node {
	return graph.NodeFunc{
		NodeID: NodeErrors,
		Fn: func(_ context.Context, s *graph.State) graph.NodeResult {
			if s.FinalResponse != "" {
				return graph.NodeResult{Success: true}
			}
			msg := "I wasn't able to generate a full answer for this request. Please try again, simplify the question, or lower the quality requirement."
			return graph.NodeResult{
				Success:    true,
				Confidence: 0.1,
				Data:       map[string]interface{}{"final_response": msg, "degraded": true},
			}
		},
	}
}

func shortcutKey(s *graph.State) string {
	return cache.PrefixShortcut + cache.Fingerprint(s.OriginalQuery, s.QualityRequirement)
}

func conversationKey(s *graph.State) string {
	return cache.PrefixConv + cache.Fingerprint(s.SessionID)
}

func buildPrompt(s *graph.State) string {
	if ctxData, ok := s.ResultOf(NodeContext)["conversation_context"].(map[string]interface{}); ok {
		if lastQ, ok := ctxData["last_query"].(string); ok {
			if lastA, ok2 := ctxData["last_response"].(string); ok2 {
				return fmt.Sprintf("Previous exchange:\nUser: %s\nAssistant: %s\n\nUser: %s\nAssistant:", lastQ, lastA, s.OriginalQuery)
			}
		}
	}
	return s.OriginalQuery
}

func maxTokensFor(quality string) int {
	switch quality {
	case graph.QualityMinimal:
		return 256
	case graph.QualityHigh:
		return 1024
	case graph.QualityPremium:
		return 2048
	default:
		return 512
	}
}

func confidenceFor(r *backend.GenerationResult) float64 {
	switch {
	case r.TokensGenerated >= 100:
		return 0.85
	case r.TokensGenerated >= 20:
		return 0.75
	default:
		return 0.6
	}
}
