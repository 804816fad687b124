// Package alerts pushes operator-facing problems to a Telegram chat. The
// pipeline is a bounded queue drained by one worker under a rate limit;
// enqueue never blocks the caller, overflow drops the oldest-style (newest
// message is discarded) and is counted in the log.
package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	logx "rolemail/pkg/logx"
)

var ErrDisabled = errors.New("alerts disabled")

// Level orders alert severities.
type Level int

const (
	LevelWarn Level = iota
	LevelError
)

func ParseLevel(s string) Level {
	if strings.EqualFold(strings.TrimSpace(s), "error") {
		return LevelError
	}
	return LevelWarn
}

// Config controls the Telegram alert channel.
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	QueueSize  int    // default 256
	RatePerSec int    // default 1
	MinLevel   string // "warn" (default) or "error"
}

// sender is the slice of tele.Bot the worker needs. Narrowed for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type item struct {
	level Level
	text  string
}

type Service struct {
	cfg      Config
	minLevel Level
	log      logx.Logger

	bot  sender
	chat *tele.Chat

	limiter *rate.Limiter

	// qmu orders enqueue against Stop: once closed is set no sender touches
	// the queue again, so closing it cannot panic a late alert.
	qmu    sync.Mutex
	closed bool
	queue  chan item

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds the service and connects the bot. A disabled config returns a
// working no-op service, so callers never branch.
func New(cfg Config, log logx.Logger) (*Service, error) {
	s := newService(cfg, log)
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alerts enabled but token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	s.bot = b
	return s, nil
}

func newService(cfg Config, log logx.Logger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &Service{
		cfg:      cfg,
		minLevel: ParseLevel(cfg.MinLevel),
		log:      log.With(logx.String("svc", "alerts")),
		chat:     &tele.Chat{ID: cfg.ChatID},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:    make(chan item, cfg.QueueSize),
		done:     make(chan struct{}),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if !s.cfg.Enabled || s.bot == nil {
			close(s.done)
			return
		}
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancel = cancel
		go s.worker(runCtx)
	})
}

func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.qmu.Lock()
		s.closed = true
		close(s.queue)
		s.qmu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Warn(msg string)  { s.enqueue(LevelWarn, msg) }
func (s *Service) Error(msg string) { s.enqueue(LevelError, msg) }

func (s *Service) enqueue(lvl Level, msg string) {
	if !s.cfg.Enabled || s.bot == nil || lvl < s.minLevel {
		return
	}
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed {
		// Shutdown in progress; a watcher or late reload may still alert.
		return
	}
	select {
	case s.queue <- item{level: lvl, text: msg}:
	default:
		s.log.Warn("alert queue full; message dropped", logx.String("msg", msg))
	}
}

func (s *Service) worker(ctx context.Context) {
	defer close(s.done)
	for it := range s.queue {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		prefix := "WARN"
		if it.level == LevelError {
			prefix = "ERROR"
		}
		if _, err := s.bot.Send(s.chat, prefix+": "+it.text); err != nil {
			s.log.Warn("alert send failed", logx.Err(err))
			// Back off a little so a broken API doesn't spin the queue.
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}
