// Package middleware implements the ordered before/after interception stack
// around tool execution: each registered Middleware can continue, modify,
// abort, or skip a call before it runs, and pass through, modify, or inject
// context into its result afterward.
package middleware

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentkit-go/core/tools"
)

// Context carries per-invocation bookkeeping visible to middleware.
type Context struct {
	AgentID         string
	AgentType       string
	AgentName       string
	ExecutionStart  time.Time
	ToolIndexInTurn int
	MessageCount    int
}

// ActionType discriminates the outcome of a before-tool decision.
type ActionType int

const (
	ActionContinue ActionType = iota
	ActionModifyParams
	ActionAbort
	ActionSkip
)

// Action is returned by Middleware.Before (and by Stack.Before, which folds
// the whole ordered stack into one Action).
type Action struct {
	Type ActionType

	// ModifiedParams replaces the tool input when Type is ActionModifyParams.
	ModifiedParams json.RawMessage

	// Reason explains an ActionAbort decision.
	Reason string

	// SyntheticResult is returned directly to the caller when Type is
	// ActionAbort, in place of actually running the tool.
	SyntheticResult *tools.Result
}

// Continue is the default before-tool action: run the tool unmodified.
func Continue() Action { return Action{Type: ActionContinue} }

// ModifyParams replaces the tool input before execution.
func ModifyParams(params json.RawMessage) Action {
	return Action{Type: ActionModifyParams, ModifiedParams: params}
}

// Abort short-circuits execution with a synthetic result.
func Abort(reason string, result *tools.Result) Action {
	return Action{Type: ActionAbort, Reason: reason, SyntheticResult: result}
}

// Skip short-circuits execution with a successful empty result.
func Skip() Action { return Action{Type: ActionSkip} }

// AfterActionType discriminates the outcome of an after-tool decision.
type AfterActionType int

const (
	AfterPassThrough AfterActionType = iota
	AfterModifyResult
	AfterInjectContext
)

// AfterAction is returned by Middleware.After (and folded by Stack.After).
type AfterAction struct {
	Type AfterActionType

	// Result replaces the tool result when Type is AfterModifyResult.
	Result *tools.Result

	// InjectedContext is appended as a trailing note the model sees when
	// Type is AfterInjectContext.
	InjectedContext string
}

// PassThrough leaves the tool result unchanged.
func PassThrough() AfterAction { return AfterAction{Type: AfterPassThrough} }

// ModifyResult replaces the tool result.
func ModifyResult(result *tools.Result) AfterAction {
	return AfterAction{Type: AfterModifyResult, Result: result}
}

// InjectContext appends a contextual note to the result without altering its
// success/content.
func InjectContext(note string) AfterAction {
	return AfterAction{Type: AfterInjectContext, InjectedContext: note}
}

// Middleware intercepts tool invocations before and after execution.
type Middleware interface {
	Name() string
	Before(ctx context.Context, toolName string, input json.RawMessage, tc Context) (Action, error)
	After(ctx context.Context, toolName string, result *tools.Result, tc Context) (AfterAction, error)
}

// Func adapts a pair of before/after functions into a Middleware without a
// dedicated type, for simple cases that don't need state.
type Func struct {
	FuncName string
	OnBefore func(ctx context.Context, toolName string, input json.RawMessage, tc Context) (Action, error)
	OnAfter  func(ctx context.Context, toolName string, result *tools.Result, tc Context) (AfterAction, error)
}

func (f *Func) Name() string { return f.FuncName }

func (f *Func) Before(ctx context.Context, toolName string, input json.RawMessage, tc Context) (Action, error) {
	if f.OnBefore == nil {
		return Continue(), nil
	}
	return f.OnBefore(ctx, toolName, input, tc)
}

func (f *Func) After(ctx context.Context, toolName string, result *tools.Result, tc Context) (AfterAction, error) {
	if f.OnAfter == nil {
		return PassThrough(), nil
	}
	return f.OnAfter(ctx, toolName, result, tc)
}

// Stack holds an ordered list of Middleware. Before runs registration order
// and stops at the first Abort or Skip action; After runs strict reverse
// order, folding each middleware's decision into the running result.
type Stack struct {
	mu    sync.RWMutex
	chain []Middleware
}

// NewStack builds a Stack from the given middleware, in registration order.
func NewStack(chain ...Middleware) *Stack {
	return &Stack{chain: append([]Middleware(nil), chain...)}
}

// Use appends a middleware to the end of the stack.
func (s *Stack) Use(m Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = append(s.chain, m)
}

// Before runs every middleware's Before hook in registration order. The
// first middleware to return ActionAbort or ActionSkip wins; its action is
// returned immediately without consulting the rest of the stack.
// ActionModifyParams does not stop the chain: each later middleware sees the
// modified input, and if the final input differs from the original it is
// returned as a single ModifyParams action.
func (s *Stack) Before(ctx context.Context, toolName string, input json.RawMessage, tc Context) (Action, error) {
	s.mu.RLock()
	chain := s.chain
	s.mu.RUnlock()

	current := input
	for _, m := range chain {
		action, err := m.Before(ctx, toolName, current, tc)
		if err != nil {
			return Action{}, err
		}
		switch action.Type {
		case ActionContinue:
			continue
		case ActionModifyParams:
			current = action.ModifiedParams
			continue
		default:
			return action, nil
		}
	}
	if len(current) != len(input) || string(current) != string(input) {
		return ModifyParams(current), nil
	}
	return Continue(), nil
}

// After runs every middleware's After hook in strict reverse registration
// order, threading the result of each fold into the next. An
// AfterInjectContext action never touches the result's Content or Success;
// it sets a sticky note on the result's InjectedContext field for the event
// loop to act on by attaching a separate system-style message after the
// tool result, per the caller/event-loop split the spec draws between
// "modifying the result" and "injecting context".
func (s *Stack) After(ctx context.Context, toolName string, result *tools.Result, tc Context) (*tools.Result, error) {
	s.mu.RLock()
	chain := s.chain
	s.mu.RUnlock()

	current := result
	var sticky string
	for i := len(chain) - 1; i >= 0; i-- {
		action, err := chain[i].After(ctx, toolName, current, tc)
		if err != nil {
			return nil, err
		}
		switch action.Type {
		case AfterPassThrough:
			continue
		case AfterModifyResult:
			current = action.Result
		case AfterInjectContext:
			if sticky == "" {
				sticky = action.InjectedContext
			} else {
				sticky = sticky + "\n" + action.InjectedContext
			}
		}
	}
	if sticky != "" {
		injected := *current
		injected.InjectedContext = sticky
		current = &injected
	}
	return current, nil
}
