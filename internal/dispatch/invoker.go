package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/taskmesh/internal/validation"
	"github.com/rendis/taskmesh/pkg/schema"
)

// Task is the unit of work handed to a capability handler.
type Task struct {
	SubtaskID   string               `json:"subtask_id"`
	Description string               `json:"description"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	Agent       string               `json:"agent"`
	Tools       schema.ToolSelection `json:"tools"`
}

// Handler executes subtasks for one capability keyword.
type Handler interface {
	Capability() string
	Execute(ctx context.Context, task Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name string
	Fn   func(ctx context.Context, task Task) (json.RawMessage, error)
}

func (h HandlerFunc) Capability() string { return h.Name }

func (h HandlerFunc) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return h.Fn(ctx, task)
}

// LocalInvoker routes subtask execution to in-process capability handlers.
// It implements the router's Invoker contract for deployments where workers
// run inside the orchestrator; remote transports replace it wholesale.
type LocalInvoker struct {
	validator *validation.JSONSchemaValidator

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalInvoker creates an empty LocalInvoker.
func NewLocalInvoker(validator *validation.JSONSchemaValidator) *LocalInvoker {
	return &LocalInvoker{
		validator: validator,
		handlers:  make(map[string]Handler),
	}
}

// Register adds a handler. Returns an error on duplicate capability.
func (i *LocalInvoker) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	name := h.Capability()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler capability is empty")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", name)
	}
	i.handlers[name] = h
	return nil
}

// Has checks whether a capability has a handler.
func (i *LocalInvoker) Has(capability string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.handlers[capability]
	return ok
}

// Capabilities returns the registered capability names, sorted.
func (i *LocalInvoker) Capabilities() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	names := make([]string, 0, len(i.handlers))
	for name := range i.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke executes one subtask through the first of its capability keywords
// that has a registered handler. Dispatch parameters are validated against
// the matching capability's parameter schema before the handler runs.
func (i *LocalInvoker) Invoke(ctx context.Context, agent *schema.AgentDescriptor, st *schema.SubtaskSpec, tools schema.ToolSelection) (json.RawMessage, error) {
	handler, keyword, err := i.resolve(st)
	if err != nil {
		return nil, err
	}

	if err := i.validateParams(agent, keyword, st.Payload); err != nil {
		return nil, err
	}

	return handler.Execute(ctx, Task{
		SubtaskID:   st.SubtaskID,
		Description: st.Description,
		Payload:     st.Payload,
		Agent:       agent.AgentID,
		Tools:       tools,
	})
}

func (i *LocalInvoker) resolve(st *schema.SubtaskSpec) (Handler, string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, kw := range st.CapabilityKeywords {
		if h, ok := i.handlers[kw]; ok {
			return h, kw, nil
		}
	}
	return nil, "", schema.NewErrorf(schema.ErrCodeValidation,
		"no handler covers keywords %v", st.CapabilityKeywords).WithSubtask(st.SubtaskID)
}

// validateParams checks the payload against the schema of the agent
// capability whose tags include the resolved keyword.
func (i *LocalInvoker) validateParams(agent *schema.AgentDescriptor, keyword string, payload json.RawMessage) error {
	if i.validator == nil || len(payload) == 0 {
		return nil
	}

	var params map[string]any
	if err := json.Unmarshal(payload, &params); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "subtask payload is not an object").WithCause(err)
	}

	for _, c := range agent.Capabilities {
		for _, tag := range c.Tags {
			if tag == keyword {
				return i.validator.ValidateParams(params, c.ParameterSchema)
			}
		}
	}
	return nil
}
