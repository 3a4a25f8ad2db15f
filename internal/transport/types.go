package transport

import "context"

// MessageRef identifies a delivered message so later notifications can
// edit it in place instead of sending a new one.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 || r.MessageID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Client is the minimal outbound surface the delivery worker needs.
// Implementations must bound each call with a timeout taken from ctx.
type Client interface {
	Send(ctx context.Context, chatID int64, text string, opt *SendOptions) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}
