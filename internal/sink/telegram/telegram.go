// Package telegram posts rendered batches to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"batchlog/internal/batch"
	"batchlog/internal/sink/format"
	"batchlog/pkg/logx"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultRatePerSec = 1
)

type Config struct {
	Token      string
	ChatID     int64
	ThreadID   int
	ParseMode  string // "", "HTML", "Markdown", "MarkdownV2"
	RatePerSec int
	Timeout    time.Duration
}

// Sender is the part of *tele.Bot the sink needs.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sink struct {
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a bot client without contacting Telegram; the token is first
// used on the first send.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	cfg = withDefaults(cfg)
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return NewWithSender(cfg, b, log), nil
}

// NewWithSender wires an existing sender.
func NewWithSender(cfg Config, sender Sender, log logx.Logger) *Sink {
	cfg = withDefaults(cfg)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		cfg:     cfg,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	return cfg
}

// ProcessBatch renders b and sends it, split into as many messages as the
// Telegram length limit requires. It stops at the first failed chunk.
func (s *Sink) ProcessBatch(ctx context.Context, b *batch.Batch) error {
	html := strings.EqualFold(s.cfg.ParseMode, tele.ModeHTML)
	text := format.Text(b, format.Options{HTML: html, MaxArgs: 3})

	chunks := splitText(text, textLimit, s.cfg.ParseMode)
	chat := &tele.Chat{ID: s.cfg.ChatID}
	opt := &tele.SendOptions{
		ParseMode:             s.cfg.ParseMode,
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout*time.Duration(len(chunks)))
	defer cancel()
	for i, chunk := range chunks {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.sender.Send(chat, chunk, opt); err != nil {
			s.log.Debug("telegram send failed",
				logx.String("batch", b.ID()),
				logx.Int("chunk", i),
				logx.Int("chunks", len(chunks)),
				logx.Err(err),
			)
			return err
		}
	}
	return nil
}

func (s *Sink) Close() error { return nil }
