package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier delivers operator alerts
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Nop discards alerts
type Nop struct{}

// Notify does nothing
func (Nop) Notify(context.Context, string) error { return nil }

// sender is the part of the bot API the notifier uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends alerts to a fixed set of chats
type Telegram struct {
	bot     sender
	chatIDs []int64
}

// NewTelegram connects the bot and returns a notifier for chatIDs
func NewTelegram(token string, chatIDs []int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatIDs: chatIDs}, nil
}

// Notify sends msg to every chat, returning the first error
func (t *Telegram) Notify(ctx context.Context, msg string) error {
	var firstErr error
	for _, id := range t.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(id, msg)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("telegram chat %d: %w", id, err)
		}
	}
	return firstErr
}

// Listener turns registry events that need an operator into alerts.
// One worker sends them in order; alerts are dropped when the queue is full.
type Listener struct {
	notifier Notifier
	timeout  time.Duration
	logger   *logger.Logger

	ch   chan alert
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

type alert struct {
	node string
	msg  string
}

// NewListener starts an alerting listener queueing up to size alerts
func NewListener(n Notifier, size int, log *logger.Logger) *Listener {
	if size <= 0 {
		size = 64
	}
	l := &Listener{
		notifier: n,
		timeout:  10 * time.Second,
		logger:   log,
		ch:       make(chan alert, size),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// OnEvent alerts on nodes leaving routing and on failed cloud calls
func (l *Listener) OnEvent(ev models.Event, node models.Node) {
	msg := Format(ev, node)
	if msg == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- alert{node: node.Name, msg: msg}:
	default:
		l.dropped++
		l.logger.Warn("Alert queue full, dropping alert",
			zap.String("node", node.Name),
			zap.String("kind", string(ev.Kind)),
			zap.Int64("dropped", l.dropped),
		)
	}
}

func (l *Listener) run() {
	defer close(l.done)
	for a := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		if err := l.notifier.Notify(ctx, a.msg); err != nil {
			l.logger.Warn("Failed to send alert",
				zap.String("node", a.node),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close sends queued alerts and stops the worker
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()

	<-l.done
}

// Format renders the alert text for an event, or "" if it needs none
func Format(ev models.Event, node models.Node) string {
	switch ev.Kind {
	case models.EventUnreachable:
		return fmt.Sprintf("⚠️ GPU node %s (%s) unreachable: %s", node.Name, node.ID, ev.Detail)
	case models.EventWakeFailed:
		return fmt.Sprintf("❌ GPU node %s wake failed (%s): %s", node.Name, ev.Reason, ev.Detail)
	case models.EventPauseFailed:
		return fmt.Sprintf("❌ GPU node %s pause failed (%s): %s", node.Name, ev.Reason, ev.Detail)
	case models.EventRecovered:
		return fmt.Sprintf("✅ GPU node %s back in service", node.Name)
	}
	return ""
}
