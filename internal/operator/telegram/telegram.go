// Package telegram mirrors authentication challenges and high-severity log
// records to an operator chat. The bot never polls for updates.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifygw/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL  string
	Timeout time.Duration
}

type Operator struct {
	cfg  Config
	log  logx.Logger
	bot  *tele.Bot
	chat *tele.Chat
}

func New(cfg Config, log logx.Logger) (*Operator, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("operator telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("operator chat id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Operator{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "operator")),
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
	}, nil
}

func (o *Operator) opts(mode tele.ParseMode) *tele.SendOptions {
	return &tele.SendOptions{ParseMode: mode, ThreadID: o.cfg.ThreadID, DisableWebPagePreview: true}
}

// SendText posts plain text, split into chunks Telegram accepts.
func (o *Operator) SendText(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := o.bot.Send(o.chat, chunk, o.opts(tele.ModeDefault)); err != nil {
			return err
		}
	}
	return nil
}

// SendChallengeImage posts the QR artifact as a photo.
func (o *Operator) SendChallengeImage(ctx context.Context, png []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(png)), Caption: caption}
	_, err := o.bot.Send(o.chat, photo, o.opts(tele.ModeDefault))
	return err
}

func (o *Operator) SendPairingCode(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := "Pairing code for the notification gateway: <code>" + html.EscapeString(code) + "</code>"
	_, err := o.bot.Send(o.chat, msg, o.opts(tele.ModeHTML))
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
