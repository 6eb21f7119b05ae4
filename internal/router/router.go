package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/taskmesh/internal/engine"
	"github.com/rendis/taskmesh/internal/logging"
	"github.com/rendis/taskmesh/internal/registry"
	"github.com/rendis/taskmesh/internal/toolload"
	"github.com/rendis/taskmesh/internal/validation"
	"github.com/rendis/taskmesh/pkg/schema"
)

const defaultDispatchTimeout = 2 * time.Minute

// Invoker executes one subtask on a selected agent. The router never embeds
// provider-specific behavior; transports implement this and plug in.
type Invoker interface {
	Invoke(ctx context.Context, agent *schema.AgentDescriptor, st *schema.SubtaskSpec, tools schema.ToolSelection) (json.RawMessage, error)
}

// Router is the orchestration brain: it decomposes submissions, assigns
// agents, gates high-risk subtasks behind human approval, and drives the
// engine through subtask execution.
type Router struct {
	engine    *engine.Engine
	registry  *registry.Registry
	selector  *Selector
	planner   Planner
	assessor  *RiskAssessor
	loader    *toolload.Loader
	validator *validation.JSONSchemaValidator
	invoker   Invoker
	pool      *DispatchPool
	logger    *slog.Logger

	catalog         []schema.ToolDescriptor
	retry           RetryPolicy
	dispatchTimeout time.Duration
}

// Config carries the router's collaborators and tunables.
type Config struct {
	Engine    *engine.Engine
	Registry  *registry.Registry
	Selector  *Selector
	Planner   Planner
	Assessor  *RiskAssessor
	Loader    *toolload.Loader
	Validator *validation.JSONSchemaValidator
	Invoker   Invoker
	Logger    *slog.Logger

	Catalog         []schema.ToolDescriptor
	Retry           RetryPolicy
	DispatchTimeout time.Duration
	PoolSize        int
}

// New creates a Router.
func New(cfg Config) *Router {
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy()
	}
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	planner := cfg.Planner
	if planner == nil {
		planner = NewKeywordPlanner()
	}
	return &Router{
		engine:          cfg.Engine,
		registry:        cfg.Registry,
		selector:        cfg.Selector,
		planner:         planner,
		assessor:        cfg.Assessor,
		loader:          cfg.Loader,
		validator:       cfg.Validator,
		invoker:         cfg.Invoker,
		pool:            NewDispatchPool(cfg.PoolSize),
		logger:          cfg.Logger,
		catalog:         cfg.Catalog,
		retry:           retry,
		dispatchTimeout: timeout,
	}
}

// Submit validates and decomposes a task, assesses subtask risk, and starts
// a workflow for it. The returned subtasks carry their assigned risk levels.
func (r *Router) Submit(ctx context.Context, sub *schema.TaskSubmission) (string, []schema.SubtaskSpec, error) {
	if err := r.validator.ValidateSubmission(sub); err != nil {
		return "", nil, err
	}

	subtasks, err := r.planner.Decompose(ctx, sub)
	if err != nil {
		return "", nil, err
	}

	for i := range subtasks {
		level, rule, err := r.assessor.Assess(&subtasks[i], sub.TemplateName)
		if err != nil {
			return "", nil, err
		}
		if sub.RiskOverride == schema.RiskHigh {
			level = schema.RiskHigh
		}
		subtasks[i].RiskLevel = level
		if level == schema.RiskHigh {
			logging.LogWith(ctx, r.logger).Info("high risk subtask",
				slog.String("subtask_id", subtasks[i].SubtaskID),
				slog.String("rule", rule),
			)
		}
	}

	// Reject cyclic or dangling dependencies before anything is persisted.
	if _, err := BuildDAG(subtasks); err != nil {
		return "", nil, err
	}

	wf, err := r.engine.CreateWorkflow(ctx, sub.TemplateName)
	if err != nil {
		return "", nil, err
	}

	payload, _ := json.Marshal(schema.StartWorkflowPayload{
		Description:  sub.Description,
		TemplateName: sub.TemplateName,
		Subtasks:     subtasks,
	})
	if _, err := r.engine.Apply(ctx, wf.ID, schema.ActionStartWorkflow, payload); err != nil {
		return "", nil, err
	}

	logging.LogWith(ctx, r.logger).Info("task submitted",
		slog.String("workflow_id", wf.ID),
		slog.Int("subtasks", len(subtasks)),
	)
	return wf.ID, subtasks, nil
}

// Start runs Execute in the background through the dispatch pool.
func (r *Router) Start(ctx context.Context, workflowID string) error {
	return r.pool.Submit(ctx, func(ctx context.Context) error {
		return r.Execute(ctx, workflowID)
	})
}

// Execute drives a workflow's subtasks to completion. It is resumable:
// calling it on a paused, gated, or already-terminal workflow is safe, and
// after an approval resolution it picks up where the gate suspended it.
//
// Cancellation is cooperative. A cancel_workflow appended concurrently takes
// effect at the next step boundary; in-flight dispatches finish or time out
// first.
func (r *Router) Execute(ctx context.Context, workflowID string) error {
	ctx = logging.WithWorkflowID(ctx, workflowID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		state, err := r.engine.Replay(ctx, workflowID, 0)
		if err != nil {
			return err
		}

		switch {
		case state.Status.Terminal():
			return nil
		case state.Status == schema.WorkflowStatusPaused,
			state.Status == schema.WorkflowStatusApprovalPending:
			// Suspended; a resume or gate resolution re-enters Execute.
			return nil
		case state.Status == schema.WorkflowStatusPending:
			return schema.NewError(schema.ErrCodeValidation, "workflow has not been started").
				WithWorkflow(workflowID)
		}

		if state.AllSubtasksCompleted() {
			if _, err := r.engine.Apply(ctx, workflowID, schema.ActionCompleteWorkflow, nil); err != nil {
				return err
			}
			continue
		}

		ready := state.ReadySubtasks()
		if len(ready) == 0 {
			if failedID, msg := firstFailedSubtask(state); failedID != "" {
				payload, _ := json.Marshal(schema.FailWorkflowPayload{
					Error: "subtask " + failedID + " failed: " + msg,
				})
				if _, err := r.engine.Apply(ctx, workflowID, schema.ActionFailWorkflow, payload); err != nil {
					return err
				}
				continue
			}
			return schema.NewError(schema.ErrCodeFatal, "no runnable subtasks and none completed the workflow").
				WithWorkflow(workflowID)
		}

		// High-risk subtasks go through the approval gate before dispatch.
		// A subtask returning to ready after approve_gate dispatches normally.
		if gated := r.gateFirstHighRisk(ctx, workflowID, state, ready); gated {
			return nil
		}

		r.dispatchWave(ctx, workflowID, state, ready)
	}
}

// gateFirstHighRisk opens an approval gate for the first ready high-risk
// subtask that has not passed one yet. Returns true when execution must
// suspend for a human decision.
func (r *Router) gateFirstHighRisk(ctx context.Context, workflowID string, state *engine.WorkflowState, ready []string) bool {
	for _, id := range ready {
		st := state.Subtasks[id]
		if st.Spec.RiskLevel != schema.RiskHigh || st.Status != schema.SubtaskStatusPending {
			continue
		}
		rationale := "high risk subtask requires approval: " + st.Spec.Description
		if _, err := r.engine.RequestApproval(ctx, workflowID, id, rationale); err != nil {
			logging.LogWith(ctx, r.logger).Error("approval gate failed",
				slog.String("subtask_id", id),
				slog.String("error", err.Error()),
			)
		}
		return true
	}
	return false
}

// dispatchWave runs every ready subtask of the current level concurrently
// and joins before the next loop iteration re-reads state. Waves spawn their
// own goroutines: the pool bounds concurrent workflows, and a wave is already
// bounded by its level's fan-out.
func (r *Router) dispatchWave(ctx context.Context, workflowID string, state *engine.WorkflowState, ready []string) {
	var wg sync.WaitGroup
	for _, id := range ready {
		st := state.Subtasks[id]
		spec := st.Spec
		attempt := st.RetryCount + 1

		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.dispatch(ctx, workflowID, spec, attempt)
		}()
	}
	wg.Wait()
}

// dispatch runs one subtask attempt end to end: agent selection, tool
// loading, start_step, invocation, and the resulting complete/retry/fail
// event. The appended events are the only record of the outcome; the
// execute loop reacts to them on its next replay.
func (r *Router) dispatch(ctx context.Context, workflowID string, spec schema.SubtaskSpec, attempt int) error {
	ctx = logging.WithSubtaskID(ctx, spec.SubtaskID)

	cand, err := r.selector.SelectAgent(&spec)
	if err != nil {
		r.failStep(ctx, workflowID, spec.SubtaskID, "", err)
		return err
	}
	ctx = logging.WithAgentID(ctx, cand.Agent.AgentID)

	tools := r.loader.SelectForTask(spec.SubtaskID, spec.Description, r.catalog, cand.Agent)

	startPayload, _ := json.Marshal(schema.StartStepPayload{
		SubtaskID: spec.SubtaskID,
		AgentID:   cand.Agent.AgentID,
		Tools:     &tools,
		Input:     spec.Payload,
	})
	if _, err := r.engine.Apply(ctx, workflowID, schema.ActionStartStep, startPayload); err != nil {
		return err
	}
	r.registry.MarkDispatched(cand.Agent.AgentID)

	ictx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	output, invokeErr := r.invoker.Invoke(ictx, cand.Agent, &spec, tools)
	cancel()

	if invokeErr == nil {
		completePayload, _ := json.Marshal(schema.CompleteStepPayload{
			SubtaskID: spec.SubtaskID,
			AgentID:   cand.Agent.AgentID,
			Output:    output,
		})
		_, err := r.engine.Apply(ctx, workflowID, schema.ActionCompleteStep, completePayload)
		return err
	}

	if IsRetryableFailure(invokeErr) && attempt < r.retry.MaxAttempts {
		delay := r.retry.Backoff(attempt)
		retryPayload, _ := json.Marshal(schema.RetryStepPayload{
			SubtaskID: spec.SubtaskID,
			Attempt:   attempt,
			DelayMs:   delay.Milliseconds(),
			Reason:    invokeErr.Error(),
		})
		if _, err := r.engine.Apply(ctx, workflowID, schema.ActionRetryStep, retryPayload); err != nil {
			return err
		}
		logging.LogWith(ctx, r.logger).Warn("subtask retry scheduled",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", invokeErr.Error()),
		)
		return waitBackoff(ctx, delay)
	}

	if attempt >= r.retry.MaxAttempts {
		invokeErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"subtask failed after %d attempts: %s", attempt, invokeErr.Error()).
			WithWorkflow(workflowID).WithSubtask(spec.SubtaskID).WithCause(invokeErr)
	}
	r.failStep(ctx, workflowID, spec.SubtaskID, cand.Agent.AgentID, invokeErr)
	return invokeErr
}

func (r *Router) failStep(ctx context.Context, workflowID, subtaskID, agentID string, cause error) {
	payload, _ := json.Marshal(schema.FailStepPayload{
		SubtaskID: subtaskID,
		AgentID:   agentID,
		Error:     cause.Error(),
	})
	if _, err := r.engine.Apply(ctx, workflowID, schema.ActionFailStep, payload); err != nil {
		logging.LogWith(ctx, r.logger).Error("fail_step append failed",
			slog.String("subtask_id", subtaskID),
			slog.String("error", err.Error()),
		)
	}
}

// Shutdown stops accepting new dispatches and waits for in-flight ones.
func (r *Router) Shutdown() {
	r.pool.Shutdown()
}

// PoolMetrics exposes the dispatch pool counters.
func (r *Router) PoolMetrics() PoolMetrics {
	return r.pool.Metrics()
}

func firstFailedSubtask(state *engine.WorkflowState) (string, string) {
	var ids []string
	for id := range state.Subtasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := state.Subtasks[id]
		if st.Status == schema.SubtaskStatusFailed {
			return id, st.Error
		}
	}
	return "", ""
}
