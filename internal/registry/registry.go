package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/taskmesh/internal/logging"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/internal/validation"
	"github.com/rendis/taskmesh/pkg/schema"
)

const (
	defaultSweepInterval    = 15 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second
	lockShards              = 16
)

// Registry tracks agent registrations and liveness. Registrations are
// persisted through the store and mirrored in memory; status is derived
// from heartbeat recency by the background sweep, never set by callers.
type Registry struct {
	store     store.Store
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger

	sweepInterval    time.Duration
	heartbeatTimeout time.Duration

	// locks shards write access per agent so unrelated registrations
	// never contend.
	locks [lockShards]sync.Mutex

	mu           sync.RWMutex
	agents       map[string]*schema.AgentDescriptor
	lastDispatch map[string]time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithSweepInterval overrides how often the liveness sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithHeartbeatTimeout overrides how stale a heartbeat may be before the
// agent is marked offline.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatTimeout = d
		}
	}
}

// New creates a Registry backed by the given store.
func New(s store.Store, validator *validation.JSONSchemaValidator, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:            s,
		validator:        validator,
		logger:           logger,
		sweepInterval:    defaultSweepInterval,
		heartbeatTimeout: defaultHeartbeatTimeout,
		agents:           make(map[string]*schema.AgentDescriptor),
		lastDispatch:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load hydrates the in-memory mirror from persisted registrations.
// Call once at startup, before Run.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range agents {
		r.agents[a.AgentID] = a
	}
	return nil
}

// Register stores an agent descriptor, replacing any previous registration
// for the same agent ID wholesale. Capability parameter schemas must compile;
// a rejected registration leaves the previous one untouched.
func (r *Registry) Register(ctx context.Context, desc *schema.AgentDescriptor) error {
	if err := validateDescriptor(desc); err != nil {
		return err
	}
	for _, c := range desc.Capabilities {
		if err := r.validator.ValidateCapabilitySchema(c.ParameterSchema); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"capability %q of agent %s: %s", c.Name, desc.AgentID, err.Error()).WithCause(err)
		}
	}

	lock := r.lockFor(desc.AgentID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	desc.Status = schema.AgentStatusActive
	desc.LastHeartbeat = now
	if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = now
	}

	if err := r.store.SaveAgent(ctx, desc); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save agent: %s", err.Error()).WithCause(err)
	}

	r.mu.Lock()
	r.agents[desc.AgentID] = desc
	r.mu.Unlock()

	logging.LogWith(ctx, r.logger).Info("agent registered",
		slog.String("agent_id", desc.AgentID),
		slog.Int("capabilities", len(desc.Capabilities)),
	)
	return nil
}

// Heartbeat refreshes an agent's liveness. A zero timestamp means "now";
// callers that batch or proxy heartbeats pass the time the beat was taken.
// A heartbeat from an offline agent revives it without re-registration.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, at time.Time) error {
	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	agent, ok := r.agents[agentID]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "agent %s not registered", agentID)
	}

	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	if err := r.store.UpdateAgentHeartbeat(ctx, agentID, at); err != nil {
		return err
	}

	r.mu.Lock()
	agent.LastHeartbeat = at
	if agent.Status == schema.AgentStatusOffline {
		agent.Status = schema.AgentStatusActive
		logging.LogWith(ctx, r.logger).Info("agent revived",
			slog.String("agent_id", agentID))
	}
	r.mu.Unlock()
	return nil
}

// Get returns one agent descriptor.
func (r *Registry) Get(agentID string) (*schema.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %s not registered", agentID)
	}
	cp := *agent
	return &cp, nil
}

// Health returns a point-in-time snapshot of every registered agent.
func (r *Registry) Health() []*schema.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.AgentDescriptor, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// MarkDispatched records that work was just routed to an agent. The ranking
// tiebreak prefers the agent that has been idle longest.
func (r *Registry) MarkDispatched(agentID string) {
	r.mu.Lock()
	r.lastDispatch[agentID] = time.Now().UTC()
	r.mu.Unlock()
}

// LastDispatched returns when the agent last received work; the zero time
// means never.
func (r *Registry) LastDispatched(agentID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastDispatch[agentID]
}

// Run executes the liveness sweep until the context is cancelled. Agents
// whose last heartbeat is older than the timeout are marked offline; they
// rejoin on their next heartbeat.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var expired []string
	for id, a := range r.agents {
		if a.Status == schema.AgentStatusActive && a.LastHeartbeat.Before(cutoff) {
			a.Status = schema.AgentStatusOffline
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		logging.LogWith(ctx, r.logger).Warn("agent marked offline",
			slog.String("agent_id", id),
			slog.Duration("heartbeat_timeout", r.heartbeatTimeout),
		)
	}
}

func (r *Registry) lockFor(agentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return &r.locks[h.Sum32()%lockShards]
}

func validateDescriptor(desc *schema.AgentDescriptor) error {
	if desc == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent descriptor is nil")
	}
	if desc.AgentID == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent id is required")
	}
	if desc.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is required")
	}
	if len(desc.Capabilities) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "agent must declare at least one capability")
	}
	for _, c := range desc.Capabilities {
		if c.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "capability name is required")
		}
		if c.CostEstimate < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"capability %q has negative cost estimate", c.Name)
		}
	}
	return nil
}
