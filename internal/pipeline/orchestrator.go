package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/quantumflow/querypilot/internal/models"
)

// Processor answers queries for one agent type
type Processor interface {
	Type() models.AgentType
	Execute(ctx context.Context, q Query) (*models.QueryResult, error)
}

// Orchestrator routes queries to processors by requested agent type.
// Requests for "auto" or an unregistered type go to the default processor.
type Orchestrator struct {
	processors  map[models.AgentType]Processor
	defaultType models.AgentType
	mu          sync.RWMutex
}

// NewOrchestrator creates an orchestrator whose fallback is def
func NewOrchestrator(def Processor) *Orchestrator {
	return &Orchestrator{
		processors:  map[models.AgentType]Processor{def.Type(): def},
		defaultType: def.Type(),
	}
}

// RegisterProcessor adds a processor for its type
func (o *Orchestrator) RegisterProcessor(p Processor) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p == nil {
		return fmt.Errorf("cannot register nil processor")
	}

	agentType := p.Type()
	if _, exists := o.processors[agentType]; exists {
		return fmt.Errorf("processor for type %s already registered", agentType)
	}

	o.processors[agentType] = p
	return nil
}

// Types returns the registered agent types
func (o *Orchestrator) Types() []models.AgentType {
	o.mu.RLock()
	defer o.mu.RUnlock()

	types := make([]models.AgentType, 0, len(o.processors))
	for t := range o.processors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Route picks the processor for a requested agent type
func (o *Orchestrator) Route(agentType models.AgentType) Processor {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if agentType != "" && agentType != models.AgentTypeAuto {
		if p, ok := o.processors[agentType]; ok {
			return p
		}
	}
	return o.processors[o.defaultType]
}

// Process routes q and executes it
func (o *Orchestrator) Process(ctx context.Context, q Query) (*models.QueryResult, error) {
	return o.Route(q.AgentType).Execute(ctx, q)
}
