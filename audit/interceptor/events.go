package interceptor

import "context"

// nameGetter and friends model the minimal "getName()"-style accessors
// event payload fields (model, provider, agent) expose.
type nameGetter interface{ GetName() string }
type agentNameGetter interface{ GetAgentName() string }
type messagesGetter interface{ GetMessages() any }

// ModelInvokeEvent is the payload shape for beforeAIModelInvoke /
// afterAIModelInvoke.
type ModelInvokeEvent struct {
	Model       nameGetter
	ChatRequest messagesGetter
	Results     any
	Error       string
}

// BeforeAIModelInvoke opens a "model" span.
func (ic *Interceptor) BeforeAIModelInvoke(executionID string, evt ModelInvokeEvent) string {
	name := "invoke"
	if evt.Model != nil && evt.Model.GetName() != "" {
		name = evt.Model.GetName()
	}
	var input any
	if evt.ChatRequest != nil && ic.config.captureMessages {
		input = evt.ChatRequest.GetMessages()
	}
	return ic.Before(executionID, "model", name, input, nil)
}

// AfterAIModelInvoke closes the span opened by BeforeAIModelInvoke.
func (ic *Interceptor) AfterAIModelInvoke(ctx context.Context, executionID string, evt ModelInvokeEvent) {
	ic.After(ctx, executionID, evt.Results, evt.Error, nil, nil)
}

// ToolExecuteEvent is the payload shape for beforeAIToolExecute /
// afterAIToolExecute.
type ToolExecuteEvent struct {
	Name      string
	Arguments any
	Results   any
	Error     string
}

// BeforeAIToolExecute opens a "tool" span.
func (ic *Interceptor) BeforeAIToolExecute(executionID string, evt ToolExecuteEvent) string {
	var input any
	if ic.config.captureToolArgs {
		input = evt.Arguments
	}
	name := evt.Name
	if name == "" {
		name = "execute"
	}
	return ic.Before(executionID, "tool", name, input, nil)
}

// AfterAIToolExecute closes the span opened by BeforeAIToolExecute.
func (ic *Interceptor) AfterAIToolExecute(ctx context.Context, executionID string, evt ToolExecuteEvent) {
	ic.After(ctx, executionID, evt.Results, evt.Error, nil, nil)
}

// AgentRunEvent is the payload shape for beforeAIAgentRun / afterAIAgentRun.
type AgentRunEvent struct {
	Agent    agentNameGetter
	Input    any
	Response any
	Error    string
}

// BeforeAIAgentRun opens an "agent" span.
func (ic *Interceptor) BeforeAIAgentRun(executionID string, evt AgentRunEvent) string {
	name := "run"
	if evt.Agent != nil && evt.Agent.GetAgentName() != "" {
		name = evt.Agent.GetAgentName()
	}
	return ic.Before(executionID, "agent", name, evt.Input, nil)
}

// AfterAIAgentRun closes the span opened by BeforeAIAgentRun.
func (ic *Interceptor) AfterAIAgentRun(ctx context.Context, executionID string, evt AgentRunEvent) {
	ic.After(ctx, executionID, evt.Response, evt.Error, nil, nil)
}

// requestDataGetter models the RequestData.method accessor MCP event
// payloads expose.
type requestDataGetter interface{ Method() string }

// MCPEvent is the payload shape for onMCPRequest / onMCPResponse /
// onMCPError.
type MCPEvent struct {
	RequestData  requestDataGetter
	ServerName   string
	Input        any
	Response     any
	Error        string
	ErrorMessage string
	CanRetry     bool
}

func (e MCPEvent) operation() string {
	if e.RequestData != nil && e.RequestData.Method() != "" {
		return e.RequestData.Method()
	}
	if e.ServerName != "" {
		return e.ServerName
	}
	return "request"
}

// OnMCPRequest opens an "mcp" span.
func (ic *Interceptor) OnMCPRequest(executionID string, evt MCPEvent) string {
	return ic.Before(executionID, "mcp", evt.operation(), evt.Input, map[string]any{"serverName": evt.ServerName})
}

// OnMCPResponse closes the span opened by OnMCPRequest.
func (ic *Interceptor) OnMCPResponse(ctx context.Context, executionID string, evt MCPEvent) {
	ic.After(ctx, executionID, evt.Response, evt.Error, nil, nil)
}

// OnMCPError closes the span opened by OnMCPRequest with an error,
// guaranteeing the depth decrement and detach-at-zero cleanup run even
// when no matching response event ever arrives.
func (ic *Interceptor) OnMCPError(ctx context.Context, executionID string, evt MCPEvent) {
	msg := evt.ErrorMessage
	if msg == "" {
		msg = evt.Error
	}
	ic.OnError(ctx, executionID, msg)
}

// AIErrorEvent is the payload shape for onAIError, a standalone error
// event not paired with a specific before* call (for example, an error
// surfaced by the provider layer outside a tracked invocation).
type AIErrorEvent struct {
	Operation    string
	ErrorMessage string
	CanRetry     bool
	Provider     nameGetter
}

// OnAIError treats the event as After with an error message, guaranteeing
// the same depth-decrement and detach-at-zero cleanup as OnMCPError, so no
// per-execution state leaks across this failure path either.
func (ic *Interceptor) OnAIError(ctx context.Context, executionID string, evt AIErrorEvent) {
	ic.OnError(ctx, executionID, evt.ErrorMessage)
}
