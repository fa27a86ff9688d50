package taskrouter

import (
	"github.com/ocx/runtime/internal/condition"
	"github.com/ocx/runtime/internal/core"
)

// builtinCatalog defines the default task classes. Callers extend or replace
// entries through RegisterTask.
func builtinCatalog() []*Task {
	return []*Task{
		researchTask(),
		outreachTask(),
		deployTask(),
	}
}

func researchTask() *Task {
	quick := &Mode{
		Name:                "quick",
		EntryStep:           "research_quick",
		ExitStep:            "quality_check",
		EstimatedDurationMs: 30_000,
		EstimatedCostUSD:    0.05,
		Steps: []Step{
			{
				ID:     "research_quick",
				Type:   StepCompletion,
				Name:   "Single-pass research completion",
				Next:   "quality_check",
				Config: map[string]interface{}{"preset": "research_quick"},
			},
			{
				ID:     "quality_check",
				Type:   StepGate,
				Config: map[string]interface{}{"gate": "research_output", "output_from": "state.research_quick_output"},
			},
		},
	}

	deep := &Mode{
		Name:                "deep",
		EntryStep:           "plan",
		ExitStep:            "quality_check",
		EstimatedDurationMs: 300_000,
		EstimatedCostUSD:    0.80,
		Steps: []Step{
			{
				ID:     "plan",
				Type:   StepCompletion,
				Next:   "gather",
				Config: map[string]interface{}{"preset": "research_plan"},
			},
			{
				ID:   "gather",
				Type: StepParallel,
				Next: "synthesize",
				Join: "majority",
				Children: []Step{
					{ID: "search_web", Type: StepToolCall, Config: map[string]interface{}{
						"tool": "web_search", "input": map[string]interface{}{"query": "$state.plan_output"},
						"output_key": "web_results",
					}},
					{ID: "search_news", Type: StepToolCall, Config: map[string]interface{}{
						"tool": "news_search", "input": map[string]interface{}{"query": "$state.plan_output"},
						"output_key": "news_results",
					}},
					{ID: "search_docs", Type: StepToolCall, Config: map[string]interface{}{
						"tool": "docs_search", "input": map[string]interface{}{"query": "$state.plan_output"},
						"output_key": "docs_results",
					}},
				},
			},
			{
				ID:      "synthesize",
				Type:    StepCompletion,
				Next:    "quality_check",
				Retry:   &RetryPolicy{MaxAttempts: 2, BackoffMs: 500},
				Config:  map[string]interface{}{"preset": "research_synthesize"},
				OnError: "quality_check",
			},
			{
				ID:     "quality_check",
				Type:   StepGate,
				Config: map[string]interface{}{"gate": "research_output", "output_from": "state.synthesize_output"},
			},
		},
	}

	return &Task{
		Class:       "research",
		Description: "Question answering and information gathering",
		DefaultMode: "quick",
		Modes:       map[string]*Mode{"quick": quick, "deep": deep},
	}
}

func outreachTask() *Task {
	standard := &Mode{
		Name:                "standard",
		EntryStep:           "draft",
		ExitStep:            "send",
		AllowedZones:        []core.Zone{core.ZoneYellow, core.ZoneRed},
		EstimatedDurationMs: 120_000,
		EstimatedCostUSD:    0.20,
		Steps: []Step{
			{
				ID:     "draft",
				Type:   StepCompletion,
				Next:   "compliance_check",
				Config: map[string]interface{}{"preset": "outreach_draft"},
			},
			{
				ID:      "compliance_check",
				Type:    StepGate,
				Next:    "review",
				Config:  map[string]interface{}{"gate": "outreach_message", "output_from": "state.draft_output"},
				OnError: "draft",
			},
			{
				ID:   "review",
				Type: StepConditional,
				Condition: &condition.Condition{
					Field: "input.auto_send", Op: condition.OpEq, Value: true,
				},
				IfTrue:  "send",
				IfFalse: "await_review",
			},
			{
				ID:     "await_review",
				Type:   StepHumanInput,
				Next:   "send",
				Config: map[string]interface{}{"input_key": "review_decision"},
			},
			{
				ID:           "send",
				Type:         StepToolCall,
				RequiredZone: core.ZoneRed,
				Config: map[string]interface{}{
					"tool":  "send_message",
					"input": map[string]interface{}{"body": "$state.draft_output", "to": "$input.recipient"},
				},
			},
		},
	}

	return &Task{
		Class:       "outreach",
		Description: "Drafting and sending external messages",
		DefaultMode: "standard",
		Modes:       map[string]*Mode{"standard": standard},
	}
}

func deployTask() *Task {
	standard := &Mode{
		Name:                "standard",
		EntryStep:           "preflight",
		ExitStep:            "verify",
		AllowedZones:        []core.Zone{core.ZoneRed},
		EstimatedDurationMs: 600_000,
		EstimatedCostUSD:    0.10,
		Steps: []Step{
			{
				ID:     "preflight",
				Type:   StepGate,
				Next:   "approve",
				Config: map[string]interface{}{"gate": "deploy_preflight"},
			},
			{
				ID:   "approve",
				Type: StepApproval,
				Next: "deploy",
				Config: map[string]interface{}{
					"operation":     "tool:deploy_production",
					"resource":      "deploy_production",
					"justification": "production deployment",
				},
			},
			{
				ID:           "deploy",
				Type:         StepToolCall,
				Next:         "wait_healthy",
				RequiredZone: core.ZoneRed,
				TimeoutMs:    300_000,
				Config: map[string]interface{}{
					"tool":       "deploy_production",
					"input":      map[string]interface{}{"target": "$input.target"},
					"output_key": "deploy_result",
				},
			},
			{
				ID:   "wait_healthy",
				Type: StepWait,
				Next: "verify",
				Config: map[string]interface{}{
					"until":            map[string]interface{}{"field": "state.deploy_status", "op": "eq", "value": "healthy"},
					"poll_interval_ms": 2000,
					"poll_timeout_ms":  240_000,
					"backoff":          map[string]interface{}{"initial_ms": 1000, "max_ms": 10_000, "multiplier": 2.0},
				},
				OnError: "rollback",
			},
			{
				ID:     "verify",
				Type:   StepGate,
				Config: map[string]interface{}{"gate": "deploy_verify"},
			},
			{
				ID:           "rollback",
				Type:         StepToolCall,
				RequiredZone: core.ZoneRed,
				Config: map[string]interface{}{
					"tool":  "rollback_deployment",
					"input": map[string]interface{}{"target": "$input.target"},
				},
			},
		},
	}

	return &Task{
		Class:       "deploy",
		Description: "Gated production deployment",
		DefaultMode: "standard",
		Modes:       map[string]*Mode{"standard": standard},
	}
}
