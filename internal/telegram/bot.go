// Package telegram delivers owner notifications through the Telegram Bot API
// and serves a small set of operator commands to allowlisted chats.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	logpkg "github.com/vpnshop-bot/keyengine/internal/log"
	"github.com/vpnshop-bot/keyengine/internal/notify"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// sendRate stays under the Bot API limit of 30 messages per second.
const sendRate = 25

type Bot struct {
	token      string
	apiBaseURL string
	http       *http.Client
	store      *store.Store
	clock      clock.Clock
	logger     *slog.Logger
	limiter    *rate.Limiter
	interval   time.Duration

	allowedChats map[int64]struct{}
	offset       int64

	admin   Admin
	ops     Operations
	backups BackupRunner
}

type Option func(*Bot)

// WithAPIBaseURL points the bot at another Bot API server; the token is
// appended as /bot<token>.
func WithAPIBaseURL(base string) Option {
	return func(b *Bot) {
		if b.token != "" {
			b.apiBaseURL = strings.TrimRight(base, "/") + "/bot" + b.token
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) {
		if c != nil {
			b.http = c
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Bot) {
		if c != nil {
			b.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = logpkg.OrDiscard(l) }
}

func New(token string, pollInterval time.Duration, adminChatIDs []int64, s *store.Store, opts ...Option) *Bot {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	b := &Bot{
		token:        strings.TrimSpace(token),
		http:         &http.Client{Timeout: 25 * time.Second},
		store:        s,
		clock:        clock.WallClock,
		logger:       logpkg.Discard(),
		limiter:      rate.NewLimiter(rate.Limit(sendRate), 1),
		interval:     pollInterval,
		allowedChats: make(map[int64]struct{}, len(adminChatIDs)),
	}
	for _, id := range adminChatIDs {
		b.allowedChats[id] = struct{}{}
	}
	if b.token != "" {
		b.apiBaseURL = "https://api.telegram.org/bot" + b.token
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "telegram")
	return b
}

func (b *Bot) Enabled() bool { return b != nil && b.token != "" }

// SendText delivers text to the owner's private chat; the owner id is the
// chat id.
func (b *Bot) SendText(ctx context.Context, ownerID int64, text string, buttons []notify.Button) error {
	if !b.Enabled() {
		return failure.New(failure.ConfigurationMissing, "telegram bot token is not configured")
	}
	return b.sendMessage(ctx, ownerID, text, buttons)
}

func (b *Bot) SendKeyInfo(ctx context.Context, ownerID int64, info notify.KeyInfo) error {
	return b.SendText(ctx, ownerID, notify.KeySummary(info), notify.KeyButtons(info))
}

// Run polls for operator commands until ctx is done.
func (b *Bot) Run(ctx context.Context) {
	if !b.Enabled() {
		return
	}
	if err := b.bootstrapOffset(ctx); err != nil {
		b.logger.Warn("telegram bootstrap failed", "err", err)
	}
	if len(b.allowedChats) == 0 {
		b.logger.Warn("telegram admin allowlist is empty; operator commands are refused")
	}
	b.logger.Info("telegram bot started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(b.interval):
			if err := b.pollOnce(ctx); err != nil {
				b.logger.Warn("telegram poll failed", "err", err)
			}
		}
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type updateRecord struct {
	UpdateID int64        `json:"update_id"`
	Message  *messageBody `json:"message"`
}

type messageBody struct {
	MessageID int64 `json:"message_id"`
	From      struct {
		ID int64 `json:"id"`
	} `json:"from"`
	Chat struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

func (b *Bot) pollOnce(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	updates, err := b.fetchUpdates(ctx, b.offset)
	if err != nil {
		return err
	}
	for _, upd := range updates {
		if upd.UpdateID >= b.offset {
			b.offset = upd.UpdateID + 1
		}
		if upd.Message == nil {
			continue
		}
		b.handleMessage(ctx, upd.Message)
	}
	return nil
}

// bootstrapOffset skips commands queued while the engine was down.
func (b *Bot) bootstrapOffset(ctx context.Context) error {
	updates, err := b.fetchUpdates(ctx, -1)
	if err != nil {
		return err
	}
	for _, upd := range updates {
		if upd.UpdateID >= b.offset {
			b.offset = upd.UpdateID + 1
		}
	}
	return nil
}

func (b *Bot) fetchUpdates(ctx context.Context, offset int64) ([]updateRecord, error) {
	query := url.Values{}
	query.Set("timeout", "0")
	query.Set("limit", "20")
	if offset != 0 {
		query.Set("offset", strconv.FormatInt(offset, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiBaseURL+"/getUpdates?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	raw, err := b.do(req, "getUpdates")
	if err != nil {
		return nil, err
	}
	var updates []updateRecord
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (b *Bot) handleMessage(ctx context.Context, msg *messageBody) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" || !strings.HasPrefix(text, "/") {
		return
	}
	chatID := msg.Chat.ID
	if !b.isAllowed(chatID) {
		b.logger.Info("command from unlisted chat", "chat", chatID, "user", msg.From.ID)
		_ = b.sendMessage(ctx, chatID, "Access denied.", nil)
		return
	}
	response := b.executeCommand(ctx, text, chatID, msg.From.ID)
	if strings.TrimSpace(response) != "" {
		if err := b.sendMessage(ctx, chatID, response, nil); err != nil {
			b.logger.Warn("command reply failed", "chat", chatID, "err", err)
		}
	}
}

func (b *Bot) isAllowed(chatID int64) bool {
	_, ok := b.allowedChats[chatID]
	return ok
}

type inlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                int64        `json:"chat_id"`
	Text                  string       `json:"text"`
	DisableWebPagePreview bool         `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *replyMarkup `json:"reply_markup,omitempty"`
}

// keyboard puts each button on its own row.
func keyboard(buttons []notify.Button) *replyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]inlineButton, 0, len(buttons))
	for _, btn := range buttons {
		rows = append(rows, []inlineButton{{Text: btn.Text, URL: btn.URL, CallbackData: btn.Data}})
	}
	return &replyMarkup{InlineKeyboard: rows}
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, buttons []notify.Button) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
		ReplyMarkup:           keyboard(buttons),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiBaseURL+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = b.do(req, "sendMessage")
	return err
}

// do runs one Bot API call and unwraps the {ok, result} envelope.
func (b *Bot) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env apiResponse
	if jerr := json.Unmarshal(body, &env); jerr != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.OK {
		detail := strings.TrimSpace(env.Description)
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("%s status=%d: %s", method, resp.StatusCode, detail)
	}
	return env.Result, nil
}
