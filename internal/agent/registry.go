package agent

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrAgentNotFound is returned when a name is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNotExpert is returned when a name resolves to a student.
	ErrNotExpert = errors.New("agent is not an expert")
	// ErrNotStudent is returned when a name resolves to an expert.
	ErrNotStudent = errors.New("agent is not a student")
	// ErrDuplicateAgent is returned when a name is registered twice.
	ErrDuplicateAgent = errors.New("agent already registered")
)

// Registry maps agent names to handles. It is the only place other agents
// are resolved from; agents never hold references to the simulation.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds an agent under its persona name.
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateAgent)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	a.logger.Info("registered agent", zap.String("name", name), zap.String("role", a.Role()))
	return nil
}

// Get returns an agent by name.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrAgentNotFound)
	}
	return a, nil
}

// Expert returns the named agent's expert handle.
func (r *Registry) Expert(name string) (*Expert, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	e, ok := a.AsExpert()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotExpert)
	}
	return e, nil
}

// Student returns the named agent's student handle.
func (r *Registry) Student(name string) (*Student, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	s, ok := a.AsStudent()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotStudent)
	}
	return s, nil
}

// All returns every agent in registration order.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Experts returns the expert agents in registration order.
func (r *Registry) Experts() []*Expert {
	var out []*Expert
	for _, a := range r.All() {
		if e, ok := a.AsExpert(); ok {
			out = append(out, e)
		}
	}
	return out
}

// Students returns the student agents in registration order.
func (r *Registry) Students() []*Student {
	var out []*Student
	for _, a := range r.All() {
		if s, ok := a.AsStudent(); ok {
			out = append(out, s)
		}
	}
	return out
}

// FirstExpert returns the first registered expert, if any.
func (r *Registry) FirstExpert() (*Expert, bool) {
	experts := r.Experts()
	if len(experts) == 0 {
		return nil, false
	}
	return experts[0], true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
