package events

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager forwards applied stream events to watermill publishers.
// Hosts register a publisher under a topic; each event is serialized once
// and delivered to every registration in the order they were added, stamped
// with a monotonically increasing sequence number so subscribers can detect
// gaps and reorderings.
type PublisherManager struct {
	mu            sync.Mutex
	registrations []registration
	sequence      uint64
}

type registration struct {
	topic     string
	publisher message.Publisher
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{}
}

func (p *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registrations = append(p.registrations, registration{topic: topic, publisher: pub})
}

func (p *PublisherManager) Publish(payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", strconv.FormatUint(p.sequence, 10))
	if ev, ok := payload.(Event); ok {
		msg.Metadata.Set("event_type", string(ev.Type()))
	}
	p.sequence++

	for _, r := range p.registrations {
		if err := r.publisher.Publish(r.topic, msg); err != nil {
			log.Warn().Err(err).Str("topic", r.topic).Msg("failed to publish event")
		}
	}

	return nil
}

// PublishBlind publishes and logs instead of returning serialization
// failures, for call sites on the streaming hot path.
func (p *PublisherManager) PublishBlind(payload interface{}) {
	if err := p.Publish(payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish event")
	}
}
