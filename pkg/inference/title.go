package inference

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turchina/pkg/backends"
	"github.com/go-go-golems/turchina/pkg/conversation"
)

const (
	maxTitleLen  = 48
	titleTimeout = 10 * time.Second
)

// FallbackTitle derives a session title from the first user message by
// truncating at a word boundary. Used whenever the backend cannot or does
// not produce one.
func FallbackTitle(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" {
		return "New chat"
	}
	if len(t) <= maxTitleLen {
		return t
	}
	cut := t[:maxTitleLen]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// generateTitle sets the session title, asking the backend when it supports
// title generation and falling back to truncation on any failure. It runs
// off the turn's critical path and never surfaces errors.
func (o *Orchestrator) generateTitle(mgr conversation.Manager, seed string) {
	defer o.wg.Done()

	titler, ok := o.backend.(backends.TitleGenerator)
	if !ok {
		mgr.SetTitle(FallbackTitle(seed))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	title, err := titler.GenerateTitle(ctx, seed)
	if err != nil || strings.TrimSpace(title) == "" {
		log.Debug().Err(err).Msg("title generation failed, falling back to truncation")
		mgr.SetTitle(FallbackTitle(seed))
		return
	}
	mgr.SetTitle(strings.TrimSpace(title))
}
