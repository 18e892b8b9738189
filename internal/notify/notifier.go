package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"trade_agent/internal/models"
	"trade_agent/internal/modules/config"
	"trade_agent/pkg/logger"
)

// Notifier - best-effort уведомления, никогда не блокирует вызывающего.
type Notifier interface {
	Send(kind models.EventKind, payload models.Payload)
}

// Commander - команды, которые можно отдать боту из Telegram.
type Commander interface {
	Start(ctx context.Context) models.CommandResult
	Stop(ctx context.Context) models.CommandResult
	Status() models.Status
	ClosePosition(ctx context.Context, symbol string) models.CommandResult
	UpdateActiveSymbols(ctx context.Context, symbols []string) models.CommandResult
}

type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
	GetUpdatesChan(config tgbot.UpdateConfig) tgbot.UpdatesChannel
	StopReceivingUpdates()
}

const queueSize = 64

// Telegram - нотифайер в один чат + обработка команд из этого чата.
type Telegram struct {
	bot    botAPI
	chatID int64

	queue chan string

	mu  sync.RWMutex
	cmd Commander

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newTelegram(b, chatID), nil
}

func newTelegram(b botAPI, chatID int64) *Telegram {
	return &Telegram{
		bot:    b,
		chatID: chatID,
		queue:  make(chan string, queueSize),
		stop:   make(chan struct{}),
	}
}

// SetCommander подключает обработчик команд (оркестратор создаётся позже нотифайера).
func (t *Telegram) SetCommander(c Commander) {
	t.mu.Lock()
	t.cmd = c
	t.mu.Unlock()
}

func (t *Telegram) commander() Commander {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cmd
}

func (t *Telegram) Send(kind models.EventKind, payload models.Payload) {
	t.enqueue(Format(kind, payload))
}

func (t *Telegram) enqueue(text string) {
	select {
	case t.queue <- text:
	default:
		notifyDropped.Inc()
		logger.Warn("[TG] queue full, dropped: %s", firstLine(text))
	}
}

// Start: отправитель из очереди + long-polling команд.
func (t *Telegram) Start(ctx context.Context) error {
	t.wg.Add(1)
	go t.sender()

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := t.bot.GetUpdatesChan(u)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.stop:
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				msg := upd.Message
				if msg == nil || msg.Chat == nil || msg.Chat.ID != t.chatID || !msg.IsCommand() {
					continue
				}
				go t.handleCommand(ctx, msg.Command(), msg.CommandArguments())
			}
		}
	}()
	return nil
}

func (t *Telegram) sender() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			t.drain()
			return
		case text := <-t.queue:
			t.deliver(text)
		}
	}
}

// drain дописывает то, что уже в очереди (например, финальный "stopped").
func (t *Telegram) drain() {
	for {
		select {
		case text := <-t.queue:
			t.deliver(text)
		default:
			return
		}
	}
}

func (t *Telegram) deliver(text string) {
	msg := tgbot.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		notifyFailed.Inc()
		logger.Warn("[TG] send failed: %v", err)
	}
}

func (t *Telegram) Stop() {
	t.stopOnce.Do(func() {
		t.bot.StopReceivingUpdates()
		close(t.stop)
	})
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn("[TG] stop: sender did not finish in time")
	}
}

func (t *Telegram) handleCommand(ctx context.Context, command, args string) {
	c := t.commander()
	if c == nil {
		t.enqueue("❗️ Бот ещё не готов принимать команды")
		return
	}

	switch command {
	case "status", "start":
		t.enqueue(FormatStatus(c.Status()))
	case "positions":
		t.enqueue(FormatPositions(c.Status().OpenPositions))
	case "run":
		t.enqueue(FormatResult("run", c.Start(ctx)))
	case "halt":
		t.enqueue("⏳ Останавливаю…")
		t.enqueue(FormatResult("halt", c.Stop(ctx)))
	case "close":
		sym := strings.ToUpper(strings.TrimSpace(args))
		if sym == "" {
			t.enqueue("Использование: /close BTC-USDT")
			return
		}
		t.enqueue(FormatResult("close "+sym, c.ClosePosition(ctx, sym)))
	case "symbols":
		syms := config.SplitSymbols(args)
		if len(syms) == 0 {
			t.enqueue("Активные: " + strings.Join(c.Status().ActiveSymbols, ", ") +
				"\nИспользование: /symbols BTC-USDT,ETH-USDT")
			return
		}
		t.enqueue(FormatResult("symbols", c.UpdateActiveSymbols(ctx, syms)))
	default:
		t.enqueue(helpText)
	}
}

const helpText = "Команды:\n" +
	"/status - состояние бота\n" +
	"/positions - открытые позиции\n" +
	"/run - запустить\n" +
	"/halt - остановить и закрыть позиции\n" +
	"/close SYMBOL - закрыть позицию\n" +
	"/symbols A,B,C - сменить список символов"

// Stdout - заглушка, когда Telegram не настроен: всё уходит в лог.
type Stdout struct{}

func NewStdout() *Stdout { return &Stdout{} }

func (s *Stdout) Send(kind models.EventKind, payload models.Payload) {
	logger.Info("[NOTIFY] %s", strings.ReplaceAll(Format(kind, payload), "\n", " | "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
