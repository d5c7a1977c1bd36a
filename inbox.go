package wire

import (
	"context"
	"iter"
)

// Inbox is a Handler that queues every decrypted message for a pull-style
// consumer. When the queue is full the conversation that produced the
// message waits; other conversations keep flowing.
type Inbox struct {
	BaseHandler
	ch chan Message
}

var _ Handler = (*Inbox)(nil)

// NewInbox returns an Inbox buffering up to size messages.
func NewInbox(size int) *Inbox {
	return &Inbox{ch: make(chan Message, size)}
}

// Messages yields queued messages until ctx is done or the caller breaks.
func (i *Inbox) Messages(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-i.ch:
				if !yield(m) {
					return
				}
			}
		}
	}
}

func (i *Inbox) push(ctx context.Context, m Message) {
	select {
	case i.ch <- m:
	case <-ctx.Done():
	}
}

func (i *Inbox) OnText(ctx context.Context, m *Text)                                         { i.push(ctx, m) }
func (i *Inbox) OnAsset(ctx context.Context, m *Asset)                                       { i.push(ctx, m) }
func (i *Inbox) OnComposite(ctx context.Context, m *Composite)                               { i.push(ctx, m) }
func (i *Inbox) OnButtonAction(ctx context.Context, m *ButtonAction)                         { i.push(ctx, m) }
func (i *Inbox) OnButtonActionConfirmation(ctx context.Context, m *ButtonActionConfirmation) { i.push(ctx, m) }
func (i *Inbox) OnPing(ctx context.Context, m *Ping)                                         { i.push(ctx, m) }
func (i *Inbox) OnLocation(ctx context.Context, m *Location)                                 { i.push(ctx, m) }
func (i *Inbox) OnDeleted(ctx context.Context, m *Deleted)                                   { i.push(ctx, m) }
func (i *Inbox) OnReceipt(ctx context.Context, m *Receipt)                                   { i.push(ctx, m) }
func (i *Inbox) OnReaction(ctx context.Context, m *Reaction)                                 { i.push(ctx, m) }
func (i *Inbox) OnInCallEmoji(ctx context.Context, m *InCallEmoji)                           { i.push(ctx, m) }
func (i *Inbox) OnInCallHandRaise(ctx context.Context, m *InCallHandRaise)                   { i.push(ctx, m) }
func (i *Inbox) OnEditedText(ctx context.Context, m *EditedText)                             { i.push(ctx, m) }
func (i *Inbox) OnEditedComposite(ctx context.Context, m *EditedComposite)                   { i.push(ctx, m) }
