package registry

import (
	"context"
	"fmt"
	"log"
	"sync"

	"taskforge/internal/domain"
)

// Agent is the single invocation interface. Synchronous agents are plain
// AgentFunc values; agents that manage their own concurrency implement
// Agent directly. Callers never need to distinguish the two.
type Agent interface {
	Execute(ctx context.Context, input []byte, config map[string]any) ([]byte, error)
}

type AgentFunc func(ctx context.Context, input []byte, config map[string]any) ([]byte, error)

func (f AgentFunc) Execute(ctx context.Context, input []byte, config map[string]any) ([]byte, error) {
	return f(ctx, input, config)
}

// Factory constructs an agent from registration-time config. Factories stand
// in for dynamic import: an agent_path is resolved against this table.
type Factory func(config map[string]any) (Agent, error)

type registration struct {
	agent    Agent
	config   map[string]any
	metadata map[string]string
}

type AsyncResult struct {
	Output []byte
	Err    error
}

// Registry resolves agent names to callables. It is constructed once at
// process start and passed by reference; registration is additive and
// process-lifetime scoped.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]registration
	factories map[string]Factory
	logger    *log.Logger
}

func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		agents:    make(map[string]registration),
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register stores the association. The last registration for a name wins.
func (r *Registry) Register(name string, agent Agent, config map[string]any, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = registration{
		agent:    agent,
		config:   cloneConfig(config),
		metadata: metadata,
	}
}

func (r *Registry) RegisterFactory(path string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[path] = factory
}

// RegisterFromPath resolves path against the factory table, constructs the
// agent and registers it under name. Resolution and construction errors are
// surfaced to the caller.
func (r *Registry) RegisterFromPath(name, path string, config map[string]any, metadata map[string]string) error {
	r.mu.RLock()
	factory, ok := r.factories[path]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgentPath, path)
	}
	agent, err := factory(cloneConfig(config))
	if err != nil {
		return fmt.Errorf("construct agent %s from %s: %w", name, path, err)
	}
	r.Register(name, agent, config, metadata)
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Metadata(name string) (map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return reg.metadata, true
}

// Execute invokes the named agent synchronously. Call-time config is merged
// over registration-time config, call-time winning on key conflicts. Agent
// errors are logged and propagated unchanged.
func (r *Registry) Execute(ctx context.Context, name string, input []byte, config map[string]any) ([]byte, error) {
	r.mu.RLock()
	reg, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, name)
	}

	merged := mergeConfig(reg.config, config)
	output, err := reg.agent.Execute(ctx, input, merged)
	if err != nil {
		r.logger.Printf("agent %s execution failed: %v", name, err)
		return nil, err
	}
	return output, nil
}

// ExecuteAsync runs the agent on its own goroutine and delivers the outcome
// on the returned channel. The channel is buffered; the result can be
// collected at any time.
func (r *Registry) ExecuteAsync(ctx context.Context, name string, input []byte, config map[string]any) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		output, err := r.Execute(ctx, name, input, config)
		ch <- AsyncResult{Output: output, Err: err}
	}()
	return ch
}

func mergeConfig(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func cloneConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	cloned := make(map[string]any, len(config))
	for k, v := range config {
		cloned[k] = v
	}
	return cloned
}
