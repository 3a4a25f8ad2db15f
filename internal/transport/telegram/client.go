// Package telegram implements transport.Client on top of telebot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	kit "opsbot/internal/transport"
	"opsbot/pkg/logx"
)

type Config struct {
	Token string

	// RatePerSec caps outgoing API calls. Telegram allows ~30 msg/s
	// globally; keep a margin below that.
	RatePerSec int

	// CallTimeout bounds a single send/edit call so one slow recipient
	// cannot stall a whole delivery batch.
	CallTimeout time.Duration
}

// Client is a send/edit-only Telegram client. It never polls for
// updates; inbound traffic is the bot front-end's business.
type Client struct {
	cfg     Config
	log     logx.Logger
	bot     *tele.Bot
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// The HTTP client timeout is the real bound on a stuck call;
		// telebot API calls do not take a context.
		Client: &http.Client{Timeout: cfg.CallTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

func (c *Client) Send(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := c.wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, text, sendOptions(opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: chatID, MessageID: msg.ID}, nil
}

func (c *Client) Edit(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := c.bot.Edit(m, text, sendOptions(opt))
	return err
}

// wait applies the global rate limit, honoring cancellation.
func (c *Client) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.limiter.Wait(ctx)
}

func sendOptions(opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		return &tele.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
}
