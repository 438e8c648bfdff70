package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	fail map[int64]bool
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg)
	if f.fail[msg.ChatID] {
		return tgbotapi.Message{}, errors.New("chat not found")
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramNotify(t *testing.T) {
	s := &fakeSender{fail: map[int64]bool{2: true}}
	tg := &Telegram{bot: s, chatIDs: []int64{1, 2, 3}}

	err := tg.Notify(context.Background(), "node down")
	if err == nil || !strings.Contains(err.Error(), "chat 2") {
		t.Errorf("expected error for chat 2, got %v", err)
	}
	if len(s.sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(s.sent))
	}
	for _, m := range s.sent {
		if m.Text != "node down" {
			t.Errorf("text = %q", m.Text)
		}
	}
}

func TestFormat(t *testing.T) {
	node := models.Node{ID: "ws-1", Name: "gpu-1"}

	tests := []struct {
		name     string
		event    models.Event
		contains string
	}{
		{"unreachable", models.Event{Kind: models.EventUnreachable, Detail: "startup timeout"}, "unreachable: startup timeout"},
		{"wake failed", models.Event{Kind: models.EventWakeFailed, Reason: "resume", Detail: "quota"}, "wake failed (resume)"},
		{"pause failed", models.Event{Kind: models.EventPauseFailed, Reason: "idle", Detail: "503"}, "pause failed (idle)"},
		{"recovered", models.Event{Kind: models.EventRecovered}, "back in service"},
		{"slots", models.Event{Kind: models.EventSlots}, ""},
		{"transition", models.Event{Kind: models.EventTransition}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.event, node)
			if tt.contains == "" {
				if got != "" {
					t.Errorf("Format() = %q, want no alert", got)
				}
				return
			}
			if !strings.Contains(got, tt.contains) {
				t.Errorf("Format() = %q, want it to contain %q", got, tt.contains)
			}
		})
	}
}

type chanNotifier chan string

func (c chanNotifier) Notify(ctx context.Context, msg string) error {
	c <- msg
	return nil
}

func TestListenerSendsAsync(t *testing.T) {
	ch := make(chanNotifier, 1)
	l := NewListener(ch, 8, logger.NewNop())
	defer l.Close()

	l.OnEvent(models.Event{Kind: models.EventSlots}, models.Node{Name: "gpu-1"})
	l.OnEvent(models.Event{Kind: models.EventUnreachable, Detail: "missing"}, models.Node{Name: "gpu-1"})

	select {
	case msg := <-ch:
		if !strings.Contains(msg, "gpu-1") {
			t.Errorf("alert = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert sent")
	}

	select {
	case msg := <-ch:
		t.Errorf("unexpected extra alert %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingNotifier holds every send until release is closed
type blockingNotifier struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent []string
}

func (b *blockingNotifier) Notify(ctx context.Context, msg string) error {
	b.started <- struct{}{}
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

func TestListenerDropsWhenQueueFull(t *testing.T) {
	n := &blockingNotifier{started: make(chan struct{}, 16), release: make(chan struct{})}
	l := NewListener(n, 2, logger.NewNop())

	down := models.Event{Kind: models.EventUnreachable, Detail: "missing"}
	l.OnEvent(down, models.Node{Name: "gpu-0"})
	<-n.started

	// worker is busy with gpu-0: two alerts fit the queue, the rest are dropped
	for _, name := range []string{"gpu-1", "gpu-2", "gpu-3", "gpu-4"} {
		l.OnEvent(down, models.Node{Name: name})
	}

	close(n.release)
	l.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 3 {
		t.Fatalf("sent %d alerts, want 3: %q", len(n.sent), n.sent)
	}
	for i, name := range []string{"gpu-0", "gpu-1", "gpu-2"} {
		if !strings.Contains(n.sent[i], name) {
			t.Errorf("alert %d = %q, want %s", i, n.sent[i], name)
		}
	}

	// closed listeners ignore events
	l.OnEvent(down, models.Node{Name: "gpu-5"})
}
