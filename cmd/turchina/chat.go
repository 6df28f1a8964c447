package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turchina/pkg/backends/factory"
	"github.com/go-go-golems/turchina/pkg/conversation"
	"github.com/go-go-golems/turchina/pkg/events"
	"github.com/go-go-golems/turchina/pkg/inference"
	"github.com/go-go-golems/turchina/pkg/settings"
)

const chatTopic = "chat"

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat()
		},
	}
}

func runChat() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	s, err := settings.Load(configFile)
	if err != nil {
		return err
	}
	if backendName != "" {
		s.Backend = backendName
	}

	backend, err := factory.NewBackend(s)
	if err != nil {
		return err
	}

	registry := conversation.NewRegistry()
	session := registry.Create()
	mgr := conversation.NewManager(session)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher(chatTopic, pubsub)

	msgs, err := pubsub.Subscribe(ctx, chatTopic)
	if err != nil {
		return err
	}

	orch := inference.NewOrchestrator(backend, inference.WithPublisher(publisher))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printEvents(gctx, msgs)
		return nil
	})

	fmt.Printf("backend: %s. /help for commands.\n", backend.Name())
	scanner := bufio.NewScanner(os.Stdin)
repl:
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, orch, mgr, line); quit {
				break repl
			}
			continue
		}
		if err := orch.Send(ctx, mgr, line, nil); err != nil {
			fmt.Println(err)
		}
		orch.Wait()
	}

	stop()
	if err := pubsub.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close pubsub")
	}
	return g.Wait()
}

// runCommand handles slash commands and reports whether the REPL should
// exit.
func runCommand(ctx context.Context, orch *inference.Orchestrator, mgr conversation.Manager, line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(`/edit <text>   branch the last user message and re-run
/regen         regenerate the last assistant reply
/prev, /next   navigate versions of the last exchange
/title         print the session title
/save <path>   save the session as JSON
/quit          exit`)
	case "/edit":
		if rest == "" {
			fmt.Println("usage: /edit <text>")
			return false
		}
		user, ok := lastMessage(mgr, conversation.RoleUser)
		if !ok {
			fmt.Println("nothing to edit")
			return false
		}
		if err := orch.Edit(ctx, mgr, user.ID, rest); err != nil {
			fmt.Println(err)
		}
		orch.Wait()
	case "/regen":
		assistant, ok := lastMessage(mgr, conversation.RoleAssistant)
		if !ok {
			fmt.Println("nothing to regenerate")
			return false
		}
		if err := orch.Regenerate(ctx, mgr, assistant.ID); err != nil {
			fmt.Println(err)
		}
		orch.Wait()
	case "/prev":
		navigate(mgr, -1)
	case "/next":
		navigate(mgr, +1)
	case "/title":
		fmt.Println(mgr.Session().Title)
	case "/save":
		if rest == "" {
			fmt.Println("usage: /save <path>")
			return false
		}
		if err := mgr.Snapshot().SaveToFile(rest); err != nil {
			fmt.Println(err)
		} else {
			fmt.Printf("saved %s\n", rest)
		}
	default:
		fmt.Printf("unknown command %s\n", cmd)
	}
	return false
}

// navigate moves the last user message by delta versions; the paired
// assistant reply follows where it can.
func navigate(mgr conversation.Manager, delta int) {
	user, ok := lastMessage(mgr, conversation.RoleUser)
	if !ok {
		fmt.Println("no messages yet")
		return
	}
	if err := mgr.NavigateVersion(user.ID, user.CurrentVersion+delta); err != nil {
		fmt.Println(err)
		return
	}
	user, _ = mgr.GetMessage(user.ID)
	fmt.Printf("you [%d/%d]> %s\n", user.CurrentVersion+1, len(user.Versions), user.Content)
	if paired, ok := mgr.PairedAssistant(user.ID); ok {
		fmt.Printf("bot [%d/%d]> %s\n", paired.CurrentVersion+1, len(paired.Versions), paired.Content)
	}
}

func lastMessage(mgr conversation.Manager, role conversation.Role) (*conversation.Message, bool) {
	session := mgr.Snapshot()
	for i := len(session.Messages) - 1; i >= 0; i-- {
		if session.Messages[i].Role == role {
			return session.Messages[i], true
		}
	}
	return nil, false
}

// eventEnvelope is the subset of the published event payload the printer
// cares about.
type eventEnvelope struct {
	Type  events.EventType `json:"type"`
	Text  string           `json:"text"`
	Error string           `json:"error_string"`
}

// printEvents echoes the live stream to stdout. Deltas print incrementally;
// a replacement that extends what was already printed emits only the tail,
// anything else reprints the full text on a new line.
func printEvents(ctx context.Context, msgs <-chan *message.Message) {
	var accumulated string
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			msg.Ack()
			var ev eventEnvelope
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Msg("failed to decode published event")
				continue
			}
			switch ev.Type {
			case events.EventTypeTextDelta:
				fmt.Print(ev.Text)
				accumulated += ev.Text
			case events.EventTypeTextReplace:
				if tail, ok := strings.CutPrefix(ev.Text, accumulated); ok {
					fmt.Print(tail)
				} else {
					fmt.Printf("\n%s", ev.Text)
				}
				accumulated = ev.Text
			case events.EventTypeDone:
				fmt.Println()
				accumulated = ""
			case events.EventTypeError:
				fmt.Printf("\n⚠️ %s\n", ev.Error)
				accumulated = ""
			}
		}
	}
}
