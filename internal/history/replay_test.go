package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/phrazzld/storyboard-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ev struct {
	typ     string
	payload string
}

func build(in ...ev) []*domain.Event {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*domain.Event, 0, len(in))
	for i, e := range in {
		payload := e.payload
		if payload == "" {
			payload = "{}"
		}
		out = append(out, &domain.Event{
			ThreadID:   "t",
			SequenceID: int64(i + 1),
			Type:       e.typ,
			Payload:    json.RawMessage(payload),
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func TestReplayToolThenText(t *testing.T) {
	items := Replay(build(
		ev{domain.EventToolStart, `{"id":"a","name":"search","input":{"q":"x"}}`},
		ev{domain.EventToolEnd, `{"id":"a","output":{"hits":2}}`},
		ev{domain.EventText, `{"text":"hi"}`},
	))

	require.Len(t, items, 2)
	assert.Equal(t, KindTool, items[0].Kind)
	assert.Equal(t, StatusCompleted, items[0].Tool.Status)
	assert.Equal(t, "search", items[0].Tool.Name)
	assert.JSONEq(t, `{"hits":2}`, string(items[0].Tool.Output))
	assert.Equal(t, int64(1), items[0].SequenceID)
	assert.Equal(t, int64(2), items[0].LastSequenceID)

	assert.Equal(t, KindMessage, items[1].Kind)
	assert.Equal(t, "hi", items[1].Text)
}

func TestReplayMergesConsecutiveText(t *testing.T) {
	items := Replay(build(
		ev{domain.EventText, `{"text":"Hel","agent":"writer"}`},
		ev{domain.EventText, `{"text":"lo","agent":"writer"}`},
		ev{domain.EventText, `{"text":"!","agent":"critic"}`},
		ev{domain.EventThinking, `{"text":"hmm "}`},
		ev{domain.EventThinking, `{"text":"ok"}`},
		ev{domain.EventText, `"plain string payload"`},
		ev{domain.EventText, `{"content":" more"}`},
	))

	require.Len(t, items, 4)
	assert.Equal(t, "Hello", items[0].Text)
	assert.Equal(t, "writer", items[0].Agent)
	assert.Equal(t, int64(2), items[0].LastSequenceID)
	assert.Equal(t, "!", items[1].Text)
	assert.Equal(t, KindThinking, items[2].Kind)
	assert.Equal(t, "hmm ok", items[2].Text)
	assert.Equal(t, "plain string payload more", items[3].Text)
}

func TestReplayInterveningItemBreaksMerge(t *testing.T) {
	items := Replay(build(
		ev{domain.EventText, `{"text":"a"}`},
		ev{domain.EventToolStart, `{"tool_id":"x"}`},
		ev{domain.EventText, `{"text":"b"}`},
	))
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].Text)
	assert.Equal(t, StatusRunning, items[1].Tool.Status)
	assert.Equal(t, "b", items[2].Text)
}

func TestReplayToolStatuses(t *testing.T) {
	items := Replay(build(
		ev{domain.EventToolStart, `{"id":"ok"}`},
		ev{domain.EventToolStart, `{"id":"bad"}`},
		ev{domain.EventToolStart, `{"id":"lost"}`},
		ev{domain.EventToolEnd, `{"id":"bad","error":"timeout"}`},
		ev{domain.EventToolEnd, `{"id":"ok","result":"done"}`},
		ev{domain.EventToolEnd, `{"id":"orphan","tool_name":"fetch"}`},
		ev{domain.EventEnd, `{"reason":"interrupted"}`},
	))

	require.Len(t, items, 5)
	assert.Equal(t, StatusCompleted, items[0].Tool.Status)
	assert.JSONEq(t, `"done"`, string(items[0].Tool.Output))
	assert.Equal(t, StatusError, items[1].Tool.Status)
	assert.Equal(t, "timeout", items[1].Tool.Error)
	assert.Equal(t, StatusIncomplete, items[2].Tool.Status, "end marks dangling tools")
	assert.Equal(t, "orphan", items[3].Tool.ID)
	assert.Equal(t, "fetch", items[3].Tool.Name)
	assert.Equal(t, StatusCompleted, items[3].Tool.Status)
	assert.Equal(t, KindMarker, items[4].Kind)
	assert.Equal(t, domain.EventEnd, items[4].EventType)
}

func TestReplaySubAgents(t *testing.T) {
	items := Replay(build(
		ev{domain.EventText, `{"text":"planning"}`},
		ev{domain.EventSubAgentStart, `{"sub_agent_id":"s1","name":"researcher"}`},
		ev{domain.EventText, `{"text":"looking"}`},
		ev{domain.EventSubAgentStart, `{"sub_agent_id":"s2","name":"artist"}`},
		ev{domain.EventText, `{"text":"for s1","sub_agent_id":"s1"}`},
		ev{domain.EventText, `{"text":"drawing"}`},
		ev{domain.EventSubAgentEnd, `{"sub_agent_id":"s2","result":{"ok":true}}`},
		ev{domain.EventSubAgentEnd, `{}`},
		ev{domain.EventText, `{"text":"done"}`},
	))

	require.Len(t, items, 3)
	assert.Equal(t, "planning", items[0].Text)
	assert.Equal(t, "done", items[2].Text)

	s1 := items[1]
	require.Equal(t, KindSubAgent, s1.Kind)
	assert.Equal(t, "researcher", s1.SubAgent.Name)
	assert.Equal(t, StatusCompleted, s1.SubAgent.Status)
	assert.Equal(t, int64(8), s1.LastSequenceID)
	require.Len(t, s1.SubAgent.Items, 3)
	assert.Equal(t, "looking", s1.SubAgent.Items[0].Text)
	assert.Equal(t, "for s1", s1.SubAgent.Items[2].Text, "routed by sub_agent_id")

	s2 := s1.SubAgent.Items[1]
	require.Equal(t, KindSubAgent, s2.Kind)
	assert.Equal(t, StatusCompleted, s2.SubAgent.Status)
	assert.JSONEq(t, `{"ok":true}`, string(s2.SubAgent.Result))
	require.Len(t, s2.SubAgent.Items, 1)
	assert.Equal(t, "drawing", s2.SubAgent.Items[0].Text)
}

func TestReplayEndClosesOpenSubAgents(t *testing.T) {
	items := Replay(build(
		ev{domain.EventSubAgentStart, `{"sub_agent_id":"s1"}`},
		ev{domain.EventToolStart, `{"id":"a"}`},
		ev{domain.EventEnd, `{"reason":"interrupted"}`},
		ev{domain.EventText, `{"text":"after"}`},
	))

	require.Len(t, items, 3)
	assert.Equal(t, StatusIncomplete, items[0].SubAgent.Status)
	assert.Equal(t, StatusIncomplete, items[0].SubAgent.Items[0].Tool.Status)
	assert.Equal(t, KindMarker, items[1].Kind)
	assert.Equal(t, "after", items[2].Text, "text after end lands in the root transcript")
}

func TestReplaySubAgentEndClosesItsOpenTools(t *testing.T) {
	items := Replay(build(
		ev{domain.EventToolStart, `{"id":"root-call","name":"plan"}`},
		ev{domain.EventSubAgentStart, `{"sub_agent_id":"s1"}`},
		ev{domain.EventToolStart, `{"id":"inner","name":"search"}`},
		ev{domain.EventSubAgentStart, `{"sub_agent_id":"s2"}`},
		ev{domain.EventToolStart, `{"id":"nested","name":"draw"}`},
		ev{domain.EventSubAgentEnd, `{"sub_agent_id":"s1"}`},
		ev{domain.EventToolEnd, `{"id":"inner","output":"late"}`},
	))

	require.Len(t, items, 3)
	assert.Equal(t, StatusRunning, items[0].Tool.Status, "a root call outlives the sub-agent")

	s1 := items[1].SubAgent
	assert.Equal(t, StatusCompleted, s1.Status)
	require.Len(t, s1.Items, 2)
	assert.Equal(t, StatusIncomplete, s1.Items[0].Tool.Status)
	assert.Equal(t, StatusIncomplete, s1.Items[1].SubAgent.Status)
	assert.Equal(t, StatusIncomplete, s1.Items[1].SubAgent.Items[0].Tool.Status)

	// The end for a closed call shows up on its own.
	assert.Equal(t, KindTool, items[2].Kind)
	assert.Equal(t, "inner", items[2].Tool.ID)
	assert.Equal(t, StatusCompleted, items[2].Tool.Status)
}

func TestReplayReusedToolID(t *testing.T) {
	items := Replay(build(
		ev{domain.EventToolStart, `{"id":"a","name":"search"}`},
		ev{domain.EventToolStart, `{"id":"a","name":"search"}`},
		ev{domain.EventToolEnd, `{"id":"a","output":1}`},
	))

	require.Len(t, items, 2)
	assert.Equal(t, StatusIncomplete, items[0].Tool.Status)
	assert.Equal(t, StatusCompleted, items[1].Tool.Status)
	assert.Equal(t, int64(3), items[1].LastSequenceID)
}

func TestReplayOtherKinds(t *testing.T) {
	items := Replay(build(
		ev{domain.EventRunStart, `{"resumed":false}`},
		ev{domain.EventUserMessage, `{"text":"make it blue"}`},
		ev{domain.EventNodeProposal, `{"node":{"kind":"shot"}}`},
		ev{domain.EventError, `{"message":"provider down"}`},
		ev{domain.EventError, `{"error":{"code":500}}`},
		ev{domain.EventInterruptRequested, `{}`},
		ev{"canvas_patch", `{"ops":[]}`},
		ev{domain.EventSubAgentEnd, `{}`},
	))

	kinds := make([]Kind, 0, len(items))
	for _, it := range items {
		kinds = append(kinds, it.Kind)
	}
	assert.Equal(t, []Kind{
		KindMarker, KindUserMessage, KindNodeProposal, KindError, KindError,
		KindMarker, KindEvent, KindEvent,
	}, kinds)
	assert.Equal(t, "make it blue", items[1].Text)
	assert.Equal(t, "provider down", items[3].Text)
	assert.Equal(t, `{"code":500}`, items[4].Text)
	assert.Equal(t, "canvas_patch", items[6].EventType)
}

func TestReplayIsDeterministic(t *testing.T) {
	log := build(
		ev{domain.EventRunStart, `{}`},
		ev{domain.EventText, `{"text":"a"}`},
		ev{domain.EventToolStart, `{"id":"1"}`},
		ev{domain.EventToolStart, `{"id":"2"}`},
		ev{domain.EventSubAgentStart, `{"sub_agent_id":"s"}`},
		ev{domain.EventToolEnd, `{"id":"1"}`},
		ev{domain.EventEnd, `{"reason":"completed"}`},
	)

	first, err := json.Marshal(Replay(log))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := json.Marshal(Replay(log))
		require.NoError(t, err)
		assert.JSONEq(t, string(first), string(again))
	}
}

func TestReplayPreservesSequenceOrder(t *testing.T) {
	log := make([]ev, 0, 40)
	for i := 0; i < 20; i++ {
		log = append(log, ev{"custom", `{}`}, ev{domain.EventText, `{"text":"x"}`})
	}
	items := Replay(build(log...))

	var prev int64
	for _, it := range items {
		assert.Greater(t, it.SequenceID, prev)
		assert.GreaterOrEqual(t, it.LastSequenceID, it.SequenceID)
		prev = it.LastSequenceID
	}
}

func TestReplayEmpty(t *testing.T) {
	items := Replay(nil)
	assert.NotNil(t, items)
	assert.Empty(t, items)
}
