// Package worker is the built-in Telegram delivery worker: it pulls
// leased items from the outbox, sends or edits Telegram messages, and
// reports outcomes back. External workers can do the same job over the
// HTTP API; this one runs in-process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"

	"github.com/nyxandro/remote-vibe-station-sub000/pkg/actions"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/logger"
	"github.com/nyxandro/remote-vibe-station-sub000/pkg/outbox"
)

// pullInterval is the outbox polling cadence; pullLimit the batch size.
const (
	pullInterval = time.Second
	pullLimit    = 10
)

// Config configures the Telegram worker.
type Config struct {
	Token         string
	AllowFrom     []string
	OperatorChats map[string]string // owner id -> chat id
	WorkerID      string
}

// Worker drives Telegram delivery for every configured operator.
type Worker struct {
	cfg      Config
	bot      *telego.Bot
	store    *outbox.Store
	delivery *outbox.Delivery
	actions  *actions.Handler

	mu          sync.Mutex
	replaceKeys map[string]int // replace key -> telegram message id
}

// New creates the worker. The bot token is verified lazily on Run.
func New(cfg Config, store *outbox.Store, delivery *outbox.Delivery, handler *actions.Handler) (*Worker, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("worker: telegram token is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "telegram-builtin"
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("worker: creating bot: %w", err)
	}
	return &Worker{
		cfg:         cfg,
		bot:         bot,
		store:       store,
		delivery:    delivery,
		actions:     handler,
		replaceKeys: make(map[string]int),
	}, nil
}

// Run blocks, delivering outbox items and handling Telegram updates
// until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	updates, err := w.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		return fmt.Errorf("worker: long polling: %w", err)
	}

	ticker := time.NewTicker(pullInterval)
	defer ticker.Stop()

	logger.InfoCF("worker", "Telegram worker started", map[string]any{
		"operators": len(w.cfg.OperatorChats),
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return fmt.Errorf("worker: update channel closed")
			}
			w.handleUpdate(ctx, upd)
		case <-ticker.C:
			w.deliverAll(ctx)
		}
	}
}

// deliverAll pulls and delivers one batch per operator, then reports.
func (w *Worker) deliverAll(ctx context.Context) {
	for ownerID := range w.cfg.OperatorChats {
		items, err := w.store.Pull(ownerID, pullLimit, w.cfg.WorkerID)
		if err != nil {
			logger.ErrorCF("worker", "Pull failed", map[string]any{"error": err.Error()})
			continue
		}
		if len(items) == 0 {
			continue
		}

		results := make([]outbox.Result, 0, len(items))
		for _, it := range items {
			results = append(results, w.deliver(ctx, it))
		}
		if err := w.store.Report(ownerID, w.cfg.WorkerID, results); err != nil {
			logger.ErrorCF("worker", "Report failed", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Worker) deliver(ctx context.Context, it outbox.Item) outbox.Result {
	chatID, err := strconv.ParseInt(it.DestinationID, 10, 64)
	if err != nil {
		// Misrouted item; retrying cannot fix a bad destination.
		return outbox.Result{ID: it.ID, OK: false, Error: "invalid destination: " + it.DestinationID}
	}
	chat := telego.ChatID{ID: chatID}

	if it.Control != "" {
		// Telegram has no explicit "stop typing"; sending the next
		// message clears it, so typing_off is a successful no-op.
		if it.Control == outbox.ControlTypingOn {
			if err := w.bot.SendChatAction(ctx, &telego.SendChatActionParams{
				ChatID: chat,
				Action: telego.ChatActionTyping,
			}); err != nil {
				return failure(it.ID, err)
			}
		}
		return outbox.Result{ID: it.ID, OK: true}
	}

	markup := keyboardMarkup(it.Keyboard)

	if it.Mode == outbox.ModeReplace {
		w.mu.Lock()
		msgID, known := w.replaceKeys[it.ReplaceKey]
		w.mu.Unlock()
		if known {
			_, err := w.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
				ChatID:      chat,
				MessageID:   msgID,
				Text:        it.Text,
				ReplyMarkup: markup,
			})
			if err != nil {
				// "message is not modified" means the edit raced an
				// identical update; the content is already delivered.
				if strings.Contains(err.Error(), "message is not modified") {
					return outbox.Result{ID: it.ID, OK: true, ExternalMessageID: strconv.Itoa(msgID)}
				}
				return failure(it.ID, err)
			}
			return outbox.Result{ID: it.ID, OK: true, ExternalMessageID: strconv.Itoa(msgID)}
		}
	}

	params := &telego.SendMessageParams{
		ChatID:              chat,
		Text:                it.Text,
		DisableNotification: it.Silent,
		ReplyMarkup:         markup,
	}
	msg, err := w.bot.SendMessage(ctx, params)
	if err != nil {
		return failure(it.ID, err)
	}

	if it.Mode == outbox.ModeReplace && it.ReplaceKey != "" {
		w.mu.Lock()
		w.replaceKeys[it.ReplaceKey] = msg.MessageID
		w.mu.Unlock()
	}
	return outbox.Result{ID: it.ID, OK: true, ExternalMessageID: strconv.Itoa(msg.MessageID)}
}

// failure converts a Telegram API error into a report result, carrying
// the provider's retry-after cooldown as the backoff hint when present.
func failure(itemID string, err error) outbox.Result {
	res := outbox.Result{ID: itemID, OK: false, Error: err.Error()}
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		res.RetryAfterHint = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
	}
	return res
}

func keyboardMarkup(rows [][]outbox.Button) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, telego.InlineKeyboardButton{
				Text:         b.Label,
				CallbackData: b.Data,
			})
		}
		kb = append(kb, btns)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: kb}
}

func (w *Worker) handleUpdate(ctx context.Context, upd telego.Update) {
	switch {
	case upd.CallbackQuery != nil:
		w.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		w.handleMessage(ctx, upd.Message)
	}
}

func (w *Worker) handleCallback(ctx context.Context, cq *telego.CallbackQuery) {
	senderID := fmt.Sprintf("%d|%s", cq.From.ID, cq.From.Username)
	if !w.isAllowed(senderID) {
		w.answerCallback(ctx, cq.ID, "Not allowed")
		return
	}
	ownerID, ok := w.ownerForUser(cq.From.ID)
	if !ok {
		w.answerCallback(ctx, cq.ID, "No operator mapping")
		return
	}

	ack, err := w.actions.HandleCallback(ctx, ownerID, cq.Data)
	if err != nil {
		logger.WarnCF("worker", "Callback failed", map[string]any{
			"owner": ownerID,
			"error": err.Error(),
		})
		w.answerCallback(ctx, cq.ID, "Action failed")
		return
	}
	w.answerCallback(ctx, cq.ID, ack)
}

func (w *Worker) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}
	senderID := fmt.Sprintf("%d|%s", msg.From.ID, msg.From.Username)
	if !w.isAllowed(senderID) {
		return
	}
	ownerID, ok := w.ownerForUser(msg.From.ID)
	if !ok {
		return
	}

	if strings.TrimSpace(msg.Text) == "/sessions" {
		text, keyboard, err := w.actions.SessionPicker(ctx, ownerID)
		if err != nil {
			text = "Could not list sessions."
			logger.WarnCF("worker", "Session picker failed", map[string]any{
				"owner": ownerID,
				"error": err.Error(),
			})
		}
		chat := w.cfg.OperatorChats[ownerID]
		if _, err := w.delivery.SendNotice(ownerID, chat, text, keyboard); err != nil {
			logger.ErrorCF("worker", "Picker enqueue failed", map[string]any{"error": err.Error()})
		}
	}
}

func (w *Worker) answerCallback(ctx context.Context, id, text string) {
	err := w.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: id,
		Text:            text,
	})
	if err != nil {
		logger.DebugCF("worker", "Callback answer failed", map[string]any{"error": err.Error()})
	}
}

// ownerForUser maps a Telegram user to the operator whose private chat
// id matches. Operator chats are private chats, so chat id == user id.
func (w *Worker) ownerForUser(userID int64) (string, bool) {
	id := strconv.FormatInt(userID, 10)
	for owner, chat := range w.cfg.OperatorChats {
		if chat == id {
			return owner, true
		}
	}
	return "", false
}

// isAllowed checks the sender against the allow list. Entries may be a
// numeric id, a username (with or without leading "@"), or a compound
// "id|username" form.
func (w *Worker) isAllowed(senderID string) bool {
	if len(w.cfg.AllowFrom) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range w.cfg.AllowFrom {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == trimmed ||
			(userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}
