// Package telegram adapts gopkg.in/telebot.v4 to the transport.Adapter
// boundary. It long-polls for updates and forwards text messages to the
// consumer channel without ever blocking the poll loop.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"tempobot/internal/transport"
	logx "tempobot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound messages (Telegram global limit is ~30/s).
	SendRatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- transport.Update)
	lim *rate.Limiter

	runMu   sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}

	// logQueue decouples the logx Telegram sink from the Bot API call.
	logQueue chan logItem

	// dropped counts updates discarded because the consumer lagged behind
	// the poll loop. Logged periodically instead of per-update.
	dropped uint64
}

type logItem struct {
	chatID int64
	text   string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 25
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		lim:      rate.NewLimiter(rate.Limit(rps), rps),
		logQueue: make(chan logItem, 256),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(transport.Update{Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type != tele.ChatPrivate,
		}})
		return nil
	})
}

func (a *Adapter) forward(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		n := atomic.AddUint64(&a.dropped, 1)
		if n%100 == 1 {
			a.log.Warn("dropping updates, consumer too slow", logx.Int64("dropped_total", int64(n)))
		}
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return errors.New("telegram adapter already started")
	}
	a.out.Store(out)

	runCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.logWorker(runCtx)
	go func() {
		defer close(a.done)
		a.bot.Start()
	}()
	go func() {
		<-runCtx.Done()
		a.bot.Stop()
	}()

	a.log.Info("telegram adapter started", logx.Duration("poll_timeout", a.cfg.PollTimeout))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.stop()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := a.lim.Wait(ctx); err != nil {
		return transport.MessageRef{}, err
	}
	var topts []any
	if opt != nil {
		sendOpt := &tele.SendOptions{DisableWebPagePreview: opt.DisablePreview}
		if opt.ParseMode != "" {
			sendOpt.ParseMode = tele.ParseMode(opt.ParseMode)
		}
		topts = append(topts, sendOpt)
	}
	msg, err := a.bot.Send(tele.ChatID(to.ChatID), text, topts...)
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

// SendLogLine implements logx.TextSender. It never blocks: if the queue is
// full the log line is dropped.
func (a *Adapter) SendLogLine(chatID int64, text string) {
	select {
	case a.logQueue <- logItem{chatID: chatID, text: text}:
	default:
	}
}

func (a *Adapter) logWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-a.logQueue:
			_, _ = a.SendText(ctx, transport.ChatTarget{ChatID: it.chatID}, it.text,
				&transport.SendOptions{DisablePreview: true})
		}
	}
}
