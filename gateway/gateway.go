// Package gateway encodes processing-node commands in the Hashpipe-Redis
// gateway wire protocol: newline-free KEY=value ASCII messages published to
// per-node channels (<domain>://<host>/set) or the fleet-wide channel
// (<domain>:///set). Encoding is pure and deterministic; publishing is a
// thin layer over the shared store's pub/sub.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/store"
)

// Message is a single KEY=value pair.
type Message struct {
	Key   string
	Value string
}

// String returns the wire form of the message.
func (m Message) String() string {
	return m.Key + "=" + m.Value
}

// Batch is an ordered sequence of messages bound for one channel. Order is
// preserved exactly as added; nodes apply keys in receipt order, so batches
// with the same content in a different order are different batches.
type Batch struct {
	Channel  string
	Messages []Message
}

// NewBatch creates an empty batch addressed to channel.
func NewBatch(channel string) *Batch {
	return &Batch{Channel: channel}
}

// Add appends a KEY=value pair.
func (b *Batch) Add(key, value string) *Batch {
	b.Messages = append(b.Messages, Message{Key: key, Value: value})
	return b
}

// AddInt appends a KEY=value pair with an integer value.
func (b *Batch) AddInt(key string, value int64) *Batch {
	return b.Add(key, fmt.Sprintf("%d", value))
}

// Encode returns the ordered wire messages for the batch.
func (b *Batch) Encode() []string {
	out := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		out[i] = m.String()
	}
	return out
}

// NodeChannel returns the command channel of a single processing node.
func NodeChannel(domain, host string) string {
	return domain + "://" + host + "/set"
}

// FleetChannel returns the domain-wide command channel every node in the
// domain subscribes to.
func FleetChannel(domain string) string {
	return domain + ":///set"
}

// NodeChannels maps a host list to its command channels, preserving order.
func NodeChannels(domain string, hosts []string) []string {
	chans := make([]string, len(hosts))
	for i, h := range hosts {
		chans[i] = NodeChannel(domain, h)
	}
	return chans
}

// Publisher sends encoded batches over the shared store's pub/sub. It is
// the only part of the package that performs I/O.
type Publisher struct {
	s   store.Store
	log *slog.Logger
}

// NewPublisher creates a publisher over the given store.
func NewPublisher(s store.Store, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{s: s, log: log}
}

// Publish sends each message of the batch in order, one publish per pair.
// If mirror is set, each pair is also written to the channel's mirror hash
// so reconfiguration tooling can replay the most recent configure-time
// values.
func (p *Publisher) Publish(ctx context.Context, b *Batch, mirror bool) error {
	for _, m := range b.Messages {
		if err := p.s.Publish(ctx, b.Channel, m.String()); err != nil {
			return errors.Wrap(err, "Publisher", "Publish",
				fmt.Sprintf("publishing %s to %s", m.Key, b.Channel))
		}
		if mirror {
			if err := p.s.HSet(ctx, store.GatewayMirrorKey(b.Channel), m.Key, m.Value); err != nil {
				return errors.Wrap(err, "Publisher", "Publish",
					fmt.Sprintf("mirroring %s for %s", m.Key, b.Channel))
			}
		}
		p.log.Debug("published gateway message",
			"channel", b.Channel, "message", m.String(), "mirrored", mirror)
	}
	return nil
}
