package inference

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

// scriptedStream replays a fixed event sequence, then fails with err or
// signals a clean transport end.
type scriptedStream struct {
	evs    []events.Event
	err    error
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.evs) > 0 {
		ev := s.evs[0]
		s.evs = s.evs[1:]
		return ev, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type fakeBackend struct {
	streams  []backends.Stream
	startErr error
	requests []backends.TurnRequest
}

func (b *fakeBackend) Name() string {
	return "fake"
}

func (b *fakeBackend) StartTurn(ctx context.Context, req backends.TurnRequest) (backends.Stream, error) {
	b.requests = append(b.requests, req)
	if b.startErr != nil {
		return nil, b.startErr
	}
	if len(b.streams) == 0 {
		return nil, errors.New("no scripted stream available")
	}
	s := b.streams[0]
	b.streams = b.streams[1:]
	return s, nil
}

func newFixture(t *testing.T, streams ...*scriptedStream) (*fakeBackend, *Orchestrator, conversation.Manager) {
	t.Helper()
	backend := &fakeBackend{}
	for _, s := range streams {
		backend.streams = append(backend.streams, s)
	}
	orch := NewOrchestrator(backend)
	mgr := conversation.NewManager(nil)
	return backend, orch, mgr
}

func md() events.EventMetadata {
	return events.EventMetadata{}
}

func deltas(texts ...string) []events.Event {
	var evs []events.Event
	for _, t := range texts {
		evs = append(evs, events.NewTextDeltaEvent(md(), t))
	}
	return evs
}

func withDone(evs ...events.Event) []events.Event {
	return append(evs, events.NewDoneEvent(md()))
}

func lastAssistant(t *testing.T, mgr conversation.Manager) *conversation.Message {
	t.Helper()
	session := mgr.Session()
	for i := len(session.Messages) - 1; i >= 0; i-- {
		if session.Messages[i].Role == conversation.RoleAssistant {
			return session.Messages[i]
		}
	}
	t.Fatal("no assistant message")
	return nil
}

func TestSendStreamsReply(t *testing.T) {
	stream := &scriptedStream{evs: withDone(deltas("Hel", "lo", ", world")...)}
	_, orch, mgr := newFixture(t, stream)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi there", nil))
	orch.Wait()

	session := mgr.Session()
	require.Len(t, session.Messages, 2)
	assert.Equal(t, conversation.RoleUser, session.Messages[0].Role)
	assert.Equal(t, "hi there", session.Messages[0].Content)
	assert.Equal(t, "Hello, world", session.Messages[1].Content)
	assert.Equal(t, session.Messages[0].TurnID, session.Messages[1].TurnID)
	assert.Equal(t, PhaseIdle, orch.State().Phase())
	assert.True(t, stream.closed)
}

func TestSendSetsFallbackTitle(t *testing.T) {
	_, orch, mgr := newFixture(t, &scriptedStream{evs: withDone(deltas("ok")...)})

	require.NoError(t, orch.Send(context.Background(), mgr, "explain photosynthesis to me", nil))
	orch.Wait()

	assert.Equal(t, "explain photosynthesis to me", mgr.Session().Title)
}

type titledBackend struct {
	fakeBackend
	title string
}

func (b *titledBackend) GenerateTitle(ctx context.Context, text string) (string, error) {
	return b.title, nil
}

func TestSendUsesBackendTitle(t *testing.T) {
	backend := &titledBackend{
		fakeBackend: fakeBackend{streams: []backends.Stream{&scriptedStream{evs: withDone(deltas("ok")...)}}},
		title:       "Photosynthesis Basics",
	}
	orch := NewOrchestrator(backend)
	mgr := conversation.NewManager(nil)

	require.NoError(t, orch.Send(context.Background(), mgr, "explain photosynthesis", nil))
	orch.Wait()

	assert.Equal(t, "Photosynthesis Basics", mgr.Session().Title)
}

func TestSendKeepsExistingTitle(t *testing.T) {
	_, orch, mgr := newFixture(t, &scriptedStream{evs: withDone(deltas("ok")...)})
	mgr.SetTitle("Existing")

	require.NoError(t, orch.Send(context.Background(), mgr, "more questions", nil))
	orch.Wait()

	assert.Equal(t, "Existing", mgr.Session().Title)
}

func TestSendRejectsEmptyInput(t *testing.T) {
	_, orch, mgr := newFixture(t)
	assert.Error(t, orch.Send(context.Background(), mgr, "   ", nil))
	assert.Empty(t, mgr.Session().Messages)
}

func TestSendRejectsConcurrentTurn(t *testing.T) {
	_, orch, mgr := newFixture(t)
	require.NoError(t, orch.State().Start())

	err := orch.Send(context.Background(), mgr, "hello", nil)
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.Empty(t, mgr.Session().Messages)
}

func TestStartTurnFailureLeavesNotice(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("connection refused")}
	orch := NewOrchestrator(backend)
	mgr := conversation.NewManager(nil)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assistant := lastAssistant(t, mgr)
	assert.Equal(t, genericErrorNotice, assistant.Content)
	assert.Equal(t, PhaseIdle, orch.State().Phase())
}

func TestMidStreamFailureKeepsAccumulatedText(t *testing.T) {
	stream := &scriptedStream{
		evs: deltas("partial answer"),
		err: errors.New("connection reset"),
	}
	_, orch, mgr := newFixture(t, stream)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assistant := lastAssistant(t, mgr)
	assert.Equal(t, "partial answer"+genericErrorNotice, assistant.Content)
	assert.Equal(t, PhaseIdle, orch.State().Phase())
}

func TestQuotaFailureGetsQuotaNotice(t *testing.T) {
	stream := &scriptedStream{
		evs: deltas("some text"),
		err: errors.New("HTTP 429: RESOURCE_EXHAUSTED"),
	}
	_, orch, mgr := newFixture(t, stream)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assistant := lastAssistant(t, mgr)
	assert.Equal(t, "some text"+quotaErrorNotice, assistant.Content)
}

func TestNoRetryAfterFailure(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("boom")}
	orch := NewOrchestrator(backend)
	mgr := conversation.NewManager(nil)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assert.Len(t, backend.requests, 1)
}

func TestReplaceOverridesDeltas(t *testing.T) {
	stream := &scriptedStream{evs: withDone(
		events.NewTextDeltaEvent(md(), "strea"),
		events.NewTextDeltaEvent(md(), "ming"),
		events.NewTextReplaceEvent(md(), "the authoritative final text"),
	)}
	_, orch, mgr := newFixture(t, stream)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assert.Equal(t, "the authoritative final text", lastAssistant(t, mgr).Content)
}

func TestStepsOnlyFirstEventCreatesMessage(t *testing.T) {
	stream := &scriptedStream{evs: withDone(
		events.NewStepsEvent(md(), []conversation.ProcessStep{{Kind: conversation.StepKindThinking, Title: "planning"}}),
		events.NewTextDeltaEvent(md(), "answer"),
	)}
	_, orch, mgr := newFixture(t, stream)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assistant := lastAssistant(t, mgr)
	require.Len(t, assistant.Steps, 1)
	assert.Equal(t, "planning", assistant.Steps[0].Title)
	assert.Equal(t, "answer", assistant.Content)
}

func TestUnexpectedEOFFinalizesWithAccumulated(t *testing.T) {
	// transport closed without a done event
	stream := &scriptedStream{evs: deltas("cut off mid")}
	_, orch, mgr := newFixture(t, stream)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	assert.Equal(t, "cut off mid", lastAssistant(t, mgr).Content)
	assert.Equal(t, PhaseIdle, orch.State().Phase())
}

func TestEditBranchesAndReusesPairedAssistant(t *testing.T) {
	first := &scriptedStream{evs: withDone(deltas("first answer")...)}
	second := &scriptedStream{evs: withDone(deltas("second answer")...)}
	backend, orch, mgr := newFixture(t, first, second)

	require.NoError(t, orch.Send(context.Background(), mgr, "first question", nil))
	orch.Wait()

	user := mgr.Session().Messages[0]
	require.NoError(t, orch.Edit(context.Background(), mgr, user.ID, "edited question"))
	orch.Wait()

	session := mgr.Session()
	require.Len(t, session.Messages, 2)

	user = session.Messages[0]
	assistant := session.Messages[1]
	require.Len(t, user.Versions, 2)
	require.Len(t, assistant.Versions, 2)
	assert.Equal(t, "edited question", user.Content)
	assert.Equal(t, "second answer", assistant.Content)
	assert.Equal(t, "first answer", assistant.Versions[0].Content)

	// the edited exchange is excluded from its own request history
	require.Len(t, backend.requests, 2)
	assert.Equal(t, "edited question", backend.requests[1].Input)
	assert.Empty(t, backend.requests[1].History)
}

func TestEditOfUnansweredMessagePairsReply(t *testing.T) {
	aborted := &cancellingStream{scriptedStream: scriptedStream{}}
	backend := &fakeBackend{streams: []backends.Stream{
		&scriptedStream{evs: withDone(deltas("a1")...)},
		aborted,
		&scriptedStream{evs: withDone(deltas("a3")...)},
		&scriptedStream{evs: withDone(deltas("edited reply")...)},
	}}
	orch := NewOrchestrator(backend)
	aborted.cancel = orch.Cancel
	mgr := conversation.NewManager(nil)

	require.NoError(t, orch.Send(context.Background(), mgr, "q1", nil))
	orch.Wait()
	// this turn is stopped before its first event, leaving q2 unanswered
	require.NoError(t, orch.Send(context.Background(), mgr, "q2", nil))
	orch.Wait()
	require.NoError(t, orch.Send(context.Background(), mgr, "q3", nil))
	orch.Wait()

	orphan := mgr.Session().Messages[2]
	require.Equal(t, conversation.RoleUser, orphan.Role)
	require.Equal(t, "q2", orphan.Content)

	require.NoError(t, orch.Edit(context.Background(), mgr, orphan.ID, "edited q2"))
	orch.Wait()

	paired, ok := mgr.PairedAssistant(orphan.ID)
	require.True(t, ok)
	assert.Equal(t, orphan.TurnID, paired.TurnID)
	assert.Equal(t, "edited reply", paired.Content)
}

func TestEditRejectsAssistantMessage(t *testing.T) {
	stream := &scriptedStream{evs: withDone(deltas("answer")...)}
	_, orch, mgr := newFixture(t, stream)
	require.NoError(t, orch.Send(context.Background(), mgr, "q", nil))
	orch.Wait()

	assistant := lastAssistant(t, mgr)
	assert.Error(t, orch.Edit(context.Background(), mgr, assistant.ID, "nope"))
	assert.Equal(t, PhaseIdle, orch.State().Phase())
}

func TestRegenerateBranchesOnlyAssistant(t *testing.T) {
	first := &scriptedStream{evs: withDone(deltas("first answer")...)}
	second := &scriptedStream{evs: withDone(deltas("regenerated answer")...)}
	backend, orch, mgr := newFixture(t, first, second)

	require.NoError(t, orch.Send(context.Background(), mgr, "the question", nil))
	orch.Wait()

	assistant := lastAssistant(t, mgr)
	require.NoError(t, orch.Regenerate(context.Background(), mgr, assistant.ID))
	orch.Wait()

	session := mgr.Session()
	user := session.Messages[0]
	assistant = session.Messages[1]
	require.Len(t, user.Versions, 1)
	require.Len(t, assistant.Versions, 2)
	assert.Equal(t, "regenerated answer", assistant.Content)

	// regeneration re-sends the paired user message's current content
	require.Len(t, backend.requests, 2)
	assert.Equal(t, "the question", backend.requests[1].Input)
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	stream := &scriptedStream{evs: withDone(deltas("answer")...)}
	_, orch, mgr := newFixture(t, stream)
	require.NoError(t, orch.Send(context.Background(), mgr, "q", nil))
	orch.Wait()

	user := mgr.Session().Messages[0]
	assert.Error(t, orch.Regenerate(context.Background(), mgr, user.ID))
	assert.Equal(t, PhaseIdle, orch.State().Phase())
}

func TestHistoryExcludesCurrentTurn(t *testing.T) {
	first := &scriptedStream{evs: withDone(deltas("first answer")...)}
	second := &scriptedStream{evs: withDone(deltas("second answer")...)}
	backend, orch, mgr := newFixture(t, first, second)

	require.NoError(t, orch.Send(context.Background(), mgr, "first question", nil))
	orch.Wait()
	require.NoError(t, orch.Send(context.Background(), mgr, "second question", nil))
	orch.Wait()

	require.Len(t, backend.requests, 2)
	assert.Empty(t, backend.requests[0].History)

	history := backend.requests[1].History
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "first question", history[0].Content)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, "first answer", history[1].Content)
}

func TestCancelWithoutTurn(t *testing.T) {
	_, orch, _ := newFixture(t)
	assert.Error(t, orch.Cancel())
}

// cancellingStream cancels the turn after its scripted events run out, as a
// user hitting stop mid-stream would.
type cancellingStream struct {
	scriptedStream
	cancel func() error
}

func (s *cancellingStream) Next(ctx context.Context) (events.Event, error) {
	if len(s.evs) == 0 {
		if err := s.cancel(); err != nil {
			return nil, err
		}
	}
	return s.scriptedStream.Next(ctx)
}

func TestCancelFinalizesWithAccumulated(t *testing.T) {
	stream := &cancellingStream{scriptedStream: scriptedStream{evs: deltas("partial ", "answer")}}
	backend := &fakeBackend{streams: []backends.Stream{stream}}
	orch := NewOrchestrator(backend)
	stream.cancel = orch.Cancel
	mgr := conversation.NewManager(nil)

	require.NoError(t, orch.Send(context.Background(), mgr, "hi", nil))
	orch.Wait()

	// cancelled turns keep accumulated text and get no error notice
	assert.Equal(t, "partial answer", lastAssistant(t, mgr).Content)
	assert.Equal(t, PhaseIdle, orch.State().Phase())
}

func TestPublishedEventsReachSubscribers(t *testing.T) {
	pm := events.NewPublisherManager()
	pub := &capturePublisher{}
	pm.SubscribePublisher("chat", pub)

	stream := &scriptedStream{evs: withDone(deltas("hi")...)}
	backend := &fakeBackend{streams: []backends.Stream{stream}}
	orch := NewOrchestrator(backend, WithPublisher(pm))
	mgr := conversation.NewManager(nil)

	require.NoError(t, orch.Send(context.Background(), mgr, "hello", nil))
	orch.Wait()

	// one delta plus the done event
	require.Len(t, pub.payloads, 2)

	// published events carry the id of the message they were applied to
	var envelope struct {
		Meta struct {
			MessageID string `json:"message_id"`
		} `json:"meta"`
	}
	assistant := lastAssistant(t, mgr)
	for _, payload := range pub.payloads {
		require.NoError(t, json.Unmarshal(payload, &envelope))
		assert.Equal(t, assistant.ID.String(), envelope.Meta.MessageID)
	}
}

type capturePublisher struct {
	payloads [][]byte
}

func (p *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	for _, m := range msgs {
		p.payloads = append(p.payloads, m.Payload)
	}
	return nil
}

func (p *capturePublisher) Close() error {
	return nil
}
