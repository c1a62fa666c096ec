// Package taskmesh provides a top-level convenience entry point for running
// agent workflows with minimal boilerplate.
//
// Usage:
//
//	import "github.com/taskmesh/taskmesh"
//
//	engine, err := taskmesh.New(nil, logger)
//	engine.Agents().Register("worker", myAgent)
//	result, err := engine.Service().Start(ctx, def)
//
// This wires an event store, an event bus, an agent registry, and the
// orchestrator from a [config.Config]. Callers needing finer control can
// assemble the pieces from the workflow and event packages directly.
package taskmesh

import (
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/config"
	"github.com/taskmesh/taskmesh/event"
	"github.com/taskmesh/taskmesh/workflow"
)

// Version is the library version.
const Version = "0.3.0"

// Engine bundles a fully wired workflow runtime.
type Engine struct {
	store   event.Store
	bus     *event.SimpleBus
	agents  *workflow.AgentRegistry
	service *workflow.WorkflowService
}

// New builds an Engine from configuration. A nil cfg uses the defaults
// (in-memory event store, no concurrency bounds); a nil logger disables
// logging.
func New(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var store event.Store
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := event.OpenSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		store = event.NewMemoryStore()
	}

	bus := event.NewBus(logger)
	agents := workflow.NewAgentRegistry()

	jitter := cfg.Engine.Jitter
	orchestrator := workflow.NewOrchestrator(store, bus, agents, workflow.Options{
		MaxParallelism:        cfg.Engine.MaxParallelism,
		PerAgentParallelism:   cfg.Engine.PerAgentParallelism,
		AgentDispatchInterval: cfg.Engine.AgentDispatchInterval,
		CircuitThreshold:      cfg.Engine.CircuitThreshold,
		CircuitReset:          cfg.Engine.CircuitReset,
		BackoffBase:           cfg.Engine.BackoffBase,
		Jitter:                &jitter,
		MaxBackoff:            cfg.Engine.MaxBackoff,
	}, logger)

	return &Engine{
		store:   store,
		bus:     bus,
		agents:  agents,
		service: workflow.NewWorkflowService(orchestrator, store, logger),
	}, nil
}

// Service returns the workflow facade.
func (e *Engine) Service() *workflow.WorkflowService { return e.service }

// Agents returns the agent registry.
func (e *Engine) Agents() *workflow.AgentRegistry { return e.agents }

// Store returns the event store.
func (e *Engine) Store() event.Store { return e.store }

// Bus returns the event bus for live subscriptions.
func (e *Engine) Bus() *event.SimpleBus { return e.bus }
