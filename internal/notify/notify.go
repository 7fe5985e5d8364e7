// Package notify delivers refresh failure alerts to a Telegram chat.
//
// Delivery is asynchronous: Publish never blocks the refresh workers, and a
// full queue drops the alert rather than stalling execution.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "refreshd/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64

	// FailureThreshold suppresses alerts until a query's consecutive failure
	// count reaches this value. 0 alerts on every failure.
	FailureThreshold int

	QueueSize int // default 64
}

// FailureEvent describes one failed refresh attempt.
type FailureEvent struct {
	QueryID      int64
	DataSourceID int64
	Hash         string
	Failures     int
	Err          error
	At           time.Time
}

// Notifier is nil-safe: a nil *Notifier ignores all events.
type Notifier struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger

	queue chan FailureEvent
	stop  chan struct{}
	done  sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Notifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: chat_id is empty")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Notifier{
		cfg:   cfg,
		bot:   bot,
		log:   log,
		queue: make(chan FailureEvent, cfg.QueueSize),
		stop:  make(chan struct{}),
	}, nil
}

// Start launches the delivery worker. Returns immediately.
func (n *Notifier) Start(ctx context.Context) {
	if n == nil {
		return
	}
	n.done.Add(1)
	go func() {
		defer n.done.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stop:
				return
			case ev := <-n.queue:
				n.deliver(ev)
			}
		}
	}()
}

func (n *Notifier) Stop() {
	if n == nil {
		return
	}
	close(n.stop)
	n.done.Wait()
}

// QueryFailed enqueues an alert if the event clears the threshold.
func (n *Notifier) QueryFailed(ev FailureEvent) {
	if n == nil {
		return
	}
	if n.cfg.FailureThreshold > 0 && ev.Failures < n.cfg.FailureThreshold {
		return
	}
	select {
	case n.queue <- ev:
	default:
		n.log.Debug("alert dropped (queue full)",
			logx.Int64("query_id", ev.QueryID),
		)
	}
}

func (n *Notifier) deliver(ev FailureEvent) {
	msg := formatFailure(ev)
	if _, err := n.bot.Send(tele.ChatID(n.cfg.ChatID), msg, tele.ModeMarkdown); err != nil {
		n.log.Warn("alert send failed",
			logx.Int64("query_id", ev.QueryID),
			logx.Err(err),
		)
	}
}

func formatFailure(ev FailureEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*refresh failed* query=%d source=%d\n", ev.QueryID, ev.DataSourceID)
	fmt.Fprintf(&b, "consecutive failures: %d\n", ev.Failures)
	if ev.Err != nil {
		e := ev.Err.Error()
		if len(e) > 400 {
			e = e[:400] + "…"
		}
		fmt.Fprintf(&b, "`%s`", e)
	}
	return b.String()
}
