// Package inference drives one conversational turn end to end. The
// orchestrator is handed a backend, pulls its normalized event stream one
// event at a time, mutates the session's version store in event order, and
// guarantees finalization on every path.
package inference

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
)

type Orchestrator struct {
	backend   backends.Backend
	publisher *events.PublisherManager
	state     *RunState
	wg        sync.WaitGroup
}

type Option func(*Orchestrator)

// WithPublisher forwards every applied event to a publisher manager so
// hosts can subscribe to stream progress.
func WithPublisher(pm *events.PublisherManager) Option {
	return func(o *Orchestrator) {
		o.publisher = pm
	}
}

func NewOrchestrator(backend backends.Backend, options ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		state:   NewRunState(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

func (o *Orchestrator) State() *RunState {
	return o.state
}

// Cancel aborts the in-flight turn, if any.
func (o *Orchestrator) Cancel() error {
	return o.state.Cancel()
}

// Wait blocks until background side calls (title generation) have settled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Send runs a fresh turn: it appends the user message and streams a new
// assistant reply. The assistant message is only created when the first
// event arrives, so the host can show a loading state with no bubble yet.
//
// Transport failures do not surface as errors; they terminate in a
// user-visible notice on the assistant message. The returned error covers
// caller mistakes only (empty input, turn already in progress).
func (o *Orchestrator) Send(ctx context.Context, mgr conversation.Manager, input string, attachments []conversation.Attachment) error {
	if strings.TrimSpace(input) == "" && len(attachments) == 0 {
		return errors.New("empty input")
	}
	if err := o.state.Start(); err != nil {
		return err
	}

	fresh := mgr.Session().Title == ""
	userMsg := mgr.AppendUserTurn(input, attachments)
	if fresh {
		o.wg.Add(1)
		go o.generateTitle(mgr, input)
	}

	return o.runTurn(ctx, mgr, input, nil, userMsg, attachments)
}

// Edit branches the user message to newContent and streams a fresh reply
// into the paired assistant message's new empty version. Without a paired
// assistant a new message is created lazily, as in Send.
func (o *Orchestrator) Edit(ctx context.Context, mgr conversation.Manager, userID conversation.MessageID, newContent string) error {
	if strings.TrimSpace(newContent) == "" {
		return errors.New("empty input")
	}
	if err := o.state.Start(); err != nil {
		return err
	}

	userMsg, ok := mgr.GetMessage(userID)
	if !ok || userMsg.Role != conversation.RoleUser {
		o.state.Finish()
		return errors.Errorf("no user message %s", userID.String())
	}
	if err := mgr.CreateEditBranch(userID, newContent); err != nil {
		o.state.Finish()
		return err
	}

	var target *conversation.MessageID
	if paired, ok := mgr.PairedAssistant(userID); ok {
		target = &paired.ID
	}

	return o.runTurn(ctx, mgr, newContent, target, userMsg, nil)
}

// Regenerate branches only the assistant message and streams a new reply
// into it, re-sending the paired user message's current content.
func (o *Orchestrator) Regenerate(ctx context.Context, mgr conversation.Manager, assistantID conversation.MessageID) error {
	if err := o.state.Start(); err != nil {
		return err
	}

	msg, ok := mgr.GetMessage(assistantID)
	if !ok || msg.Role != conversation.RoleAssistant {
		o.state.Finish()
		return errors.Errorf("no assistant message %s", assistantID.String())
	}
	userMsg, ok := mgr.PairedUser(assistantID)
	if !ok {
		o.state.Finish()
		return errors.Errorf("assistant message %s has no paired user message", assistantID.String())
	}
	if err := mgr.CreateRegenBranch(assistantID); err != nil {
		o.state.Finish()
		return err
	}

	return o.runTurn(ctx, mgr, userMsg.Content, &assistantID, userMsg, nil)
}

// runTurn pumps the adapter strictly sequentially: one event pulled, applied
// to the store, published, then the next is requested. Finish always runs,
// so loading indicators clear exactly once per turn on every path.
func (o *Orchestrator) runTurn(
	ctx context.Context,
	mgr conversation.Manager,
	input string,
	target *conversation.MessageID,
	userMsg *conversation.Message,
	attachments []conversation.Attachment,
) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.state.SetCancel(cancel)
	defer func() {
		cancel()
		o.state.Finish()
	}()

	session := mgr.Session()
	metadata := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: session.ID.String(),
		TurnID:    userMsg.TurnID.String(),
		Backend:   o.backend.Name(),
	}

	exclude := map[conversation.MessageID]bool{userMsg.ID: true}
	if target != nil {
		exclude[*target] = true
	}

	req := backends.TurnRequest{
		SessionID:   session.ID.String(),
		Input:       input,
		History:     buildHistory(mgr, exclude),
		Attachments: attachments,
		Metadata:    metadata,
	}

	log.Debug().Str("backend", o.backend.Name()).Str("session_id", req.SessionID).Msg("starting turn")
	stream, err := o.backend.StartTurn(runCtx, req)
	if err != nil {
		msgID, beginErr := o.begin(mgr, userMsg.TurnID, target)
		if beginErr != nil {
			return beginErr
		}
		o.fail(mgr, msgID, err, metadata)
		return nil
	}
	defer func() {
		_ = stream.Close()
	}()

	var msgID conversation.MessageID
	started := false

pump:
	for {
		ev, err := stream.Next(runCtx)
		if errors.Is(err, io.EOF) {
			// transport closed without an explicit end event; finalize with
			// whatever was accumulated
			break pump
		}
		if errors.Is(err, context.Canceled) {
			log.Debug().Msg("turn cancelled, finalizing with accumulated content")
			break pump
		}
		if err != nil {
			if !started {
				var beginErr error
				msgID, beginErr = o.begin(mgr, userMsg.TurnID, target)
				if beginErr != nil {
					return beginErr
				}
			}
			o.fail(mgr, msgID, err, metadata)
			return nil
		}

		if !started {
			msgID, err = o.begin(mgr, userMsg.TurnID, target)
			if err != nil {
				return err
			}
			started = true
			o.state.MarkStreaming()
		}

		md := ev.Metadata()
		md.MessageID = msgID.String()
		ev.SetMetadata(md)
		o.publish(ev)

		switch e := ev.(type) {
		case *events.EventTextDelta:
			if applyErr := mgr.ApplyDelta(msgID, e.Text); applyErr != nil {
				log.Warn().Err(applyErr).Msg("failed to apply delta")
			}
		case *events.EventTextReplace:
			if applyErr := mgr.ApplyReplace(msgID, e.Text); applyErr != nil {
				log.Warn().Err(applyErr).Msg("failed to apply replacement")
			}
		case *events.EventSteps:
			if applyErr := mgr.ApplySteps(msgID, e.Steps); applyErr != nil {
				log.Warn().Err(applyErr).Msg("failed to apply steps")
			}
		case *events.EventDone:
			break pump
		}
	}

	log.Debug().Str("session_id", req.SessionID).Msg("turn finished")
	return nil
}

// begin resolves the message the stream writes into. Edit/regenerate turns
// already branched their target, so its current version is the fresh empty
// one; a plain send creates the assistant message now, under the turn of the
// user message being answered.
func (o *Orchestrator) begin(mgr conversation.Manager, turn conversation.TurnID, target *conversation.MessageID) (conversation.MessageID, error) {
	if target != nil {
		return *target, nil
	}
	return mgr.BeginAssistantTurn(turn, nil)
}

// fail terminates the turn in a user-visible notice appended to the
// accumulated text, distinguishing quota exhaustion from everything else.
func (o *Orchestrator) fail(mgr conversation.Manager, msgID conversation.MessageID, err error, metadata events.EventMetadata) {
	o.state.MarkError()
	metadata.MessageID = msgID.String()
	log.Error().Err(err).Str("message_id", msgID.String()).Msg("turn failed")
	if applyErr := mgr.ApplyDelta(msgID, errorNotice(err)); applyErr != nil {
		log.Warn().Err(applyErr).Msg("failed to append error notice")
	}
	o.publish(events.NewErrorEvent(metadata, err))
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.publisher == nil {
		return
	}
	o.publisher.PublishBlind(ev)
}

// buildHistory collects prior exchanges with non-empty content, skipping the
// messages of the turn being run.
func buildHistory(mgr conversation.Manager, exclude map[conversation.MessageID]bool) []backends.ChatMessage {
	session := mgr.Snapshot()
	var history []backends.ChatMessage
	for _, msg := range session.Messages {
		if exclude[msg.ID] || msg.Content == "" {
			continue
		}
		history = append(history, backends.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return history
}
