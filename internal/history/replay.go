package history

import (
	"bytes"
	"encoding/json"

	"github.com/phrazzld/storyboard-api/internal/domain"
)

// fields is the union of payload keys replay understands. Producers are
// not consistent about naming, so synonyms are accepted.
type fields struct {
	Text       string          `json:"text"`
	Content    string          `json:"content"`
	Delta      string          `json:"delta"`
	Agent      string          `json:"agent"`
	AgentName  string          `json:"agent_name"`
	ID         string          `json:"id"`
	ToolID     string          `json:"tool_id"`
	Name       string          `json:"name"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input"`
	Args       json.RawMessage `json:"args"`
	Output     json.RawMessage `json:"output"`
	Result     json.RawMessage `json:"result"`
	Error      json.RawMessage `json:"error"`
	Message    string          `json:"message"`
	SubAgentID string          `json:"sub_agent_id"`
}

func decodeFields(raw json.RawMessage) fields {
	var f fields
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		_ = json.Unmarshal(trimmed, &f.Text)
		return f
	}
	_ = json.Unmarshal(trimmed, &f)
	return f
}

func (f fields) text() string {
	switch {
	case f.Text != "":
		return f.Text
	case f.Content != "":
		return f.Content
	default:
		return f.Delta
	}
}

func (f fields) agent() string {
	if f.Agent != "" {
		return f.Agent
	}
	return f.AgentName
}

func (f fields) toolID() string {
	if f.ToolID != "" {
		return f.ToolID
	}
	return f.ID
}

func (f fields) toolName() string {
	if f.ToolName != "" {
		return f.ToolName
	}
	return f.Name
}

func (f fields) subAgentID() string {
	if f.SubAgentID != "" {
		return f.SubAgentID
	}
	return f.ID
}

// errorText renders an error field that may be a string or any JSON value.
func (f fields) errorText() string {
	trimmed := bytes.TrimSpace(f.Error)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("false")) {
		return ""
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil {
		return s
	}
	return string(trimmed)
}

func firstNonEmpty(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(bytes.TrimSpace(v)) > 0 {
			return v
		}
	}
	return nil
}

type scope struct {
	item  *Item // nil for the root transcript
	items *[]*Item
}

// openTool is a tool call still waiting for its tool_end.
type openTool struct {
	item  *Item
	scope *scope
}

type replayer struct {
	root   []*Item
	stack  []*scope
	tools  map[string]openTool
	agents map[string]*scope
}

// Replay folds events into display items. Events are expected in ascending
// sequence order, as returned by the event log; the output preserves that
// order.
func Replay(events []*domain.Event) []*Item {
	r := &replayer{
		root:   []*Item{},
		tools:  make(map[string]openTool),
		agents: make(map[string]*scope),
	}
	r.stack = []*scope{{items: &r.root}}

	for _, ev := range events {
		r.apply(ev)
	}
	return r.root
}

func (r *replayer) current() *scope {
	return r.stack[len(r.stack)-1]
}

// target picks the scope an event belongs to: the open sub-agent it names,
// otherwise the innermost open scope.
func (r *replayer) target(f fields) *scope {
	if f.SubAgentID != "" {
		if s, ok := r.agents[f.SubAgentID]; ok {
			return s
		}
	}
	return r.current()
}

func newItem(kind Kind, ev *domain.Event) *Item {
	return &Item{
		Kind:           kind,
		SequenceID:     ev.SequenceID,
		LastSequenceID: ev.SequenceID,
		EventType:      ev.Type,
		CreatedAt:      ev.CreatedAt,
	}
}

func (s *scope) add(item *Item) {
	*s.items = append(*s.items, item)
}

func (s *scope) last() *Item {
	items := *s.items
	if len(items) == 0 {
		return nil
	}
	return items[len(items)-1]
}

func (r *replayer) apply(ev *domain.Event) {
	f := decodeFields(ev.Payload)

	switch ev.Type {
	case domain.EventText:
		r.merge(KindMessage, ev, f)
	case domain.EventThinking:
		r.merge(KindThinking, ev, f)
	case domain.EventToolStart:
		r.toolStart(ev, f)
	case domain.EventToolEnd:
		r.toolEnd(ev, f)
	case domain.EventSubAgentStart:
		r.subAgentStart(ev, f)
	case domain.EventSubAgentEnd:
		r.subAgentEnd(ev, f)
	case domain.EventNodeProposal:
		item := newItem(KindNodeProposal, ev)
		item.Agent = f.agent()
		item.Payload = ev.Payload
		r.target(f).add(item)
	case domain.EventUserMessage:
		item := newItem(KindUserMessage, ev)
		item.Text = f.text()
		r.stack[0].add(item)
	case domain.EventError:
		item := newItem(KindError, ev)
		item.Agent = f.agent()
		item.Text = f.Message
		if item.Text == "" {
			item.Text = f.errorText()
		}
		r.target(f).add(item)
	case domain.EventRunStart, domain.EventInterruptRequested:
		r.marker(ev)
	case domain.EventEnd:
		r.closeDangling()
		r.marker(ev)
	default:
		item := newItem(KindEvent, ev)
		item.Payload = ev.Payload
		r.target(f).add(item)
	}
}

// merge appends text to the previous item of the scope when it has the
// same kind and agent, otherwise starts a new item.
func (r *replayer) merge(kind Kind, ev *domain.Event, f fields) {
	s := r.target(f)
	agent := f.agent()
	if last := s.last(); last != nil && last.Kind == kind && last.Agent == agent {
		last.Text += f.text()
		last.LastSequenceID = ev.SequenceID
		return
	}
	item := newItem(kind, ev)
	item.Agent = agent
	item.Text = f.text()
	s.add(item)
}

func (r *replayer) toolStart(ev *domain.Event, f fields) {
	item := newItem(KindTool, ev)
	item.Agent = f.agent()
	item.Tool = &Tool{
		ID:     f.toolID(),
		Name:   f.toolName(),
		Status: StatusRunning,
		Input:  firstNonEmpty(f.Input, f.Args),
	}
	s := r.target(f)
	s.add(item)
	if id := item.Tool.ID; id != "" {
		// A reused id supersedes the earlier call, which never ended.
		if prev, ok := r.tools[id]; ok {
			prev.item.Tool.Status = StatusIncomplete
		}
		r.tools[id] = openTool{item: item, scope: s}
	}
}

func (r *replayer) toolEnd(ev *domain.Event, f fields) {
	id := f.toolID()
	open, ok := r.tools[id]
	item := open.item
	if !ok || id == "" {
		// An end without a start still shows the call.
		item = newItem(KindTool, ev)
		item.Agent = f.agent()
		item.Tool = &Tool{ID: id, Name: f.toolName()}
		r.target(f).add(item)
	}
	delete(r.tools, id)

	item.LastSequenceID = ev.SequenceID
	item.Tool.Output = firstNonEmpty(f.Output, f.Result)
	if item.Tool.Name == "" {
		item.Tool.Name = f.toolName()
	}
	if msg := f.errorText(); msg != "" {
		item.Tool.Status = StatusError
		item.Tool.Error = msg
	} else {
		item.Tool.Status = StatusCompleted
	}
}

func (r *replayer) subAgentStart(ev *domain.Event, f fields) {
	parent := r.current()
	item := newItem(KindSubAgent, ev)
	item.SubAgent = &SubAgent{
		ID:     f.subAgentID(),
		Name:   firstString(f.Name, f.agent()),
		Status: StatusRunning,
		Items:  []*Item{},
	}
	parent.add(item)

	s := &scope{item: item, items: &item.SubAgent.Items}
	r.stack = append(r.stack, s)
	if item.SubAgent.ID != "" {
		r.agents[item.SubAgent.ID] = s
	}
}

func (r *replayer) subAgentEnd(ev *domain.Event, f fields) {
	idx := -1
	if id := f.subAgentID(); id != "" {
		for i := len(r.stack) - 1; i > 0; i-- {
			if r.stack[i].item.SubAgent.ID == id {
				idx = i
				break
			}
		}
	} else if len(r.stack) > 1 {
		idx = len(r.stack) - 1
	}
	if idx < 0 {
		item := newItem(KindEvent, ev)
		item.Payload = ev.Payload
		r.current().add(item)
		return
	}

	// Scopes opened inside the one being closed never got their end.
	for i := len(r.stack) - 1; i > idx; i-- {
		r.closeScope(r.stack[i], StatusIncomplete, ev.SequenceID)
	}
	status := StatusCompleted
	if f.errorText() != "" {
		status = StatusError
	}
	closing := r.stack[idx]
	closing.item.SubAgent.Result = firstNonEmpty(f.Result, f.Output)
	r.closeScope(closing, status, ev.SequenceID)
	r.stack = r.stack[:idx]
}

// closeScope ends a sub-agent. Tool calls it left open are incomplete.
func (r *replayer) closeScope(s *scope, status Status, seq int64) {
	s.item.SubAgent.Status = status
	s.item.LastSequenceID = seq
	delete(r.agents, s.item.SubAgent.ID)
	for id, open := range r.tools {
		if open.scope == s {
			open.item.Tool.Status = StatusIncomplete
			delete(r.tools, id)
		}
	}
}

// closeDangling marks every open tool call and sub-agent incomplete.
func (r *replayer) closeDangling() {
	for id, open := range r.tools {
		open.item.Tool.Status = StatusIncomplete
		delete(r.tools, id)
	}
	for i := len(r.stack) - 1; i > 0; i-- {
		s := r.stack[i]
		s.item.SubAgent.Status = StatusIncomplete
		delete(r.agents, s.item.SubAgent.ID)
	}
	r.stack = r.stack[:1]
}

func (r *replayer) marker(ev *domain.Event) {
	item := newItem(KindMarker, ev)
	item.Payload = ev.Payload
	r.stack[0].add(item)
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
