// Package worker defines the pluggable worker-capability abstraction: a
// registry mapping agent types to the external callables that perform the
// actual data collection and analysis for one task. The engine resolves
// capabilities at dispatch time; nothing here knows about LLMs, log stores
// or metric backends.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opskit/inquest/pkg/models"
)

// Capability performs one investigative task. The returned map must contain
// at least a "status" field ("completed" or "error") and may carry a
// free-form "findings" substructure plus an optional "confidence" in [0,1].
// The engine treats anything beyond that contract as opaque.
type Capability interface {
	Run(ctx context.Context, taskDescription, contextText string) (map[string]interface{}, error)
}

// CapabilityFunc adapts a plain function to the Capability interface.
type CapabilityFunc func(ctx context.Context, taskDescription, contextText string) (map[string]interface{}, error)

func (f CapabilityFunc) Run(ctx context.Context, taskDescription, contextText string) (map[string]interface{}, error) {
	return f(ctx, taskDescription, contextText)
}

// Description advertises one registered capability to the planner.
type Description struct {
	AgentType   string `json:"agent_type"`
	Description string `json:"description"`
}

type entry struct {
	cap         Capability
	description string
	baseline    float64
}

// Registry maps agent types to capabilities. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a capability. baseline is the agent-type-specific
// confidence assigned to results that carry none of their own.
func (r *Registry) Register(agentType, description string, baseline float64, cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[agentType] = entry{cap: cap, description: description, baseline: baseline}
	log.Info().Str("agent_type", agentType).Msg("worker capability registered")
}

// Resolve returns the capability for an agent type.
func (r *Registry) Resolve(agentType string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[agentType]
	if !ok {
		return nil, false
	}
	return e.cap, true
}

// Baseline returns the default confidence for an agent type.
func (r *Registry) Baseline(agentType string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[agentType].baseline
}

// Describe lists registered capabilities, sorted by agent type. The planner
// feeds this to the decision capability so proposals only reference workers
// that exist.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Description{AgentType: name, Description: e.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}

// Normalize converts a raw capability output into a validated
// ExecutionResult: status defaults to completed, confidence defaults to the
// agent-type baseline, and findings default to the raw output itself when no
// structured findings key is present.
func (r *Registry) Normalize(taskID, agentType string, raw map[string]interface{}) (*models.ExecutionResult, error) {
	status := models.TaskCompleted
	errMsg := ""
	if s, ok := raw["status"].(string); ok && s == "error" {
		status = models.TaskFailed
		if e, ok := raw["error"].(string); ok {
			errMsg = e
		}
	}

	findings, ok := raw["findings"].(map[string]interface{})
	if !ok {
		findings = raw
	}

	confidence := r.Baseline(agentType)
	if c, ok := raw["confidence"].(float64); ok {
		confidence = c
	}

	result, err := models.NewExecutionResult(taskID, status, findings, confidence)
	if err != nil {
		return nil, fmt.Errorf("normalize %s output: %w", agentType, err)
	}
	result.ErrorMessage = errMsg
	if steps, ok := raw["recommended_steps"].([]interface{}); ok {
		for _, s := range steps {
			if str, ok := s.(string); ok {
				result.RecommendedSteps = append(result.RecommendedSteps, str)
			}
		}
	}
	return result, nil
}
