package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bissquit/herald/internal/domain"
)

// Sender delivers a rendered notification through one channel.
// A nil error means the transport accepted the message.
type Sender interface {
	Type() domain.ChannelType
	Send(ctx context.Context, notification Notification) error
}

// Dispatcher resolves the sender registered for a channel.
type Dispatcher struct {
	senders map[domain.ChannelType]Sender
}

// NewDispatcher creates a new dispatcher. A later sender for the same
// channel replaces an earlier one.
func NewDispatcher(senders ...Sender) *Dispatcher {
	senderMap := make(map[domain.ChannelType]Sender)
	for _, s := range senders {
		if s == nil {
			continue
		}
		if _, exists := senderMap[s.Type()]; exists {
			slog.Warn("replacing sender for channel", "channel", s.Type())
		}
		senderMap[s.Type()] = s
	}
	return &Dispatcher{senders: senderMap}
}

// Resolve returns the sender for the channel.
func (d *Dispatcher) Resolve(channel domain.ChannelType) (Sender, bool) {
	s, ok := d.senders[channel]
	return s, ok
}

// Channels returns the registered channel types in sorted order.
func (d *Dispatcher) Channels() []domain.ChannelType {
	channels := make([]domain.ChannelType, 0, len(d.senders))
	for c := range d.senders {
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// safeSend calls the sender and converts a panic into an error.
func safeSend(ctx context.Context, sender Sender, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender %s panic: %v", sender.Type(), r)
		}
	}()
	return sender.Send(ctx, n)
}
