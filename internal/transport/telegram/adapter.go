// Package telegram renders notifications as Telegram messages with inline
// Open/Dismiss buttons, using long polling for the interaction callbacks.
package telegram

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "streamwatch/internal/runtime/supervisor"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

const (
	btnOpenUnique    = "ntf_open"
	btnDismissUnique = "ntf_dismiss"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	handler transport.InteractionHandler

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// refs maps a notification handle to the telegram message that carries
	// it, so Dismiss can delete the message. Entries are removed on either
	// interaction; stale ones are harmless.
	refMu sync.Mutex
	refs  map[transport.Handle]tele.StoredMessage
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
	a := &Adapter{
		cfg:  cfg,
		log:  log,
		bot:  b,
		refs: map[transport.Handle]tele.StoredMessage{},
	}
	a.bot.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

// SetHandler wires the interaction sink. Must be called before Start.
func (a *Adapter) SetHandler(h transport.InteractionHandler) { a.handler = h }

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))),
	)

	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; run it under a restart loop so a
	// poll-loop failure self-heals instead of silencing callbacks.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return c.Err()
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Show sends the notification to the configured chat. The handle is generated
// up front so the inline buttons can embed it in their callback payloads.
func (a *Adapter) Show(ctx context.Context, n transport.Notification) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	handle := newHandle()

	rm := a.bot.NewMarkup()
	btnOpen := rm.Data("Open", btnOpenUnique, string(handle))
	btnDismiss := rm.Data("Dismiss", btnDismissUnique, string(handle))
	rm.Inline(rm.Row(btnOpen, btnDismiss))

	chat := &tele.Chat{ID: a.cfg.ChatID}
	opts := &tele.SendOptions{ThreadID: a.cfg.ThreadID, ReplyMarkup: rm}

	var (
		msg *tele.Message
		err error
	)
	if n.Icon != "" {
		img, decErr := decodeDataURI(n.Icon)
		if decErr != nil {
			return "", fmt.Errorf("notification create failed: %w", decErr)
		}
		photo := &tele.Photo{
			File:    tele.FromReader(bytes.NewReader(img)),
			Caption: captionFor(n),
		}
		msg, err = a.bot.Send(chat, photo, opts)
	} else {
		msg, err = a.bot.Send(chat, captionFor(n), opts)
	}
	if err != nil {
		return "", fmt.Errorf("notification create failed: %w", err)
	}

	a.refMu.Lock()
	a.refs[handle] = tele.StoredMessage{MessageID: fmt.Sprint(msg.ID), ChatID: chat.ID}
	a.refMu.Unlock()

	return handle, nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	unique, payload := splitCallbackData(cb.Data)
	handle := transport.Handle(payload)
	ctx := context.Background()

	switch unique {
	case btnOpenUnique:
		if a.handler == nil {
			return c.Respond(&tele.CallbackResponse{Text: "unavailable"})
		}
		url, ok := a.handler.NotificationClicked(ctx, handle)
		a.dropRef(handle)
		if !ok {
			return c.Respond(&tele.CallbackResponse{Text: "expired"})
		}
		return c.Respond(&tele.CallbackResponse{URL: url})

	case btnDismissUnique:
		if a.handler != nil {
			a.handler.NotificationDismissed(ctx, handle)
		}
		if ref, ok := a.takeRef(handle); ok {
			if err := a.bot.Delete(ref); err != nil {
				a.log.Debug("dismissed message delete failed", logx.Err(err))
			}
		}
		return c.Respond(&tele.CallbackResponse{})
	}
	return c.Respond(&tele.CallbackResponse{})
}

func (a *Adapter) dropRef(handle transport.Handle) {
	a.refMu.Lock()
	delete(a.refs, handle)
	a.refMu.Unlock()
}

func (a *Adapter) takeRef(handle transport.Handle) (tele.StoredMessage, bool) {
	a.refMu.Lock()
	defer a.refMu.Unlock()
	ref, ok := a.refs[handle]
	if ok {
		delete(a.refs, handle)
	}
	return ref, ok
}

func newHandle() transport.Handle {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return transport.Handle(hex.EncodeToString(b[:]))
}

func captionFor(n transport.Notification) string {
	if n.Message == "" {
		return n.Title
	}
	return n.Title + "\n" + n.Message
}

// splitCallbackData undoes telebot's "\f<unique>|<payload>" callback framing.
func splitCallbackData(data string) (unique, payload string) {
	data = strings.TrimPrefix(data, "\f")
	if i := strings.IndexByte(data, '|'); i >= 0 {
		return data[:i], data[i+1:]
	}
	return data, ""
}

func decodeDataURI(uri string) ([]byte, error) {
	i := strings.Index(uri, ";base64,")
	if !strings.HasPrefix(uri, "data:") || i < 0 {
		return nil, errors.New("not a base64 data uri")
	}
	return base64.StdEncoding.DecodeString(uri[i+len(";base64,"):])
}
