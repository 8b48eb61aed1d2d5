// Package telegram adapts the Telegram Bot API to the intake event model:
// long-poll getUpdates, discriminate updates into event kinds, download
// attachment content, and render the intake reply keyboard. Delivery is
// sequential, so events for one user are never processed concurrently.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"backlogbot/app/pkg/logger"
	"backlogbot/app/pkg/types"
)

const defaultAPIRoot = "https://api.telegram.org"

// Reply keyboard button labels. Pressing them produces the finalize and
// cancel signals.
const (
	ButtonFinalize = "Create task"
	ButtonCancel   = "Cancel"
)

type Config struct {
	BotToken       string
	PollInterval   time.Duration
	TimeoutSeconds int
	APIRoot        string
}

type Channel struct {
	cfg Config
	id  string

	offset int64

	mu      sync.RWMutex
	handler func(types.Message)
}

func NewChannel(cfg Config) *Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 20
	}
	if strings.TrimSpace(cfg.APIRoot) == "" {
		cfg.APIRoot = defaultAPIRoot
	}
	return &Channel{cfg: cfg, id: "telegram"}
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	if strings.TrimSpace(c.cfg.BotToken) == "" {
		return fmt.Errorf("telegram bot token is required")
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("telegram poll: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Channel) Send(ctx context.Context, out types.Outbound) error {
	if strings.TrimSpace(out.ChatID) == "" {
		return fmt.Errorf("telegram chat id is required")
	}

	payload := map[string]interface{}{
		"chat_id": out.ChatID,
		"text":    out.Text,
	}
	if out.HTML {
		payload["parse_mode"] = "HTML"
	}
	if out.Keyboard {
		payload["reply_markup"] = map[string]interface{}{
			"keyboard": [][]map[string]interface{}{{
				{"text": ButtonFinalize},
				{"text": ButtonCancel},
			}},
			"resize_keyboard": true,
		}
	}
	return c.call(ctx, "sendMessage", payload, nil)
}

// Download resolves a file id via getFile and streams the file content.
func (c *Channel) Download(ctx context.Context, fileID string) (io.ReadCloser, error) {
	result := getFileResponse{}
	if err := c.call(ctx, "getFile", map[string]interface{}{"file_id": fileID}, &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Result.FilePath) == "" {
		return nil, fmt.Errorf("telegram getFile: empty file path for %s", fileID)
	}

	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/file/bot" + c.cfg.BotToken + "/" + result.Result.FilePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("telegram file download status=%d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Channel) pollOnce(ctx context.Context) error {
	result := getUpdatesResponse{}
	offset := atomic.LoadInt64(&c.offset)
	payload := map[string]interface{}{
		"timeout": c.cfg.TimeoutSeconds,
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	if err := c.call(ctx, "getUpdates", payload, &result); err != nil {
		return err
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return nil
	}

	for _, upd := range result.Result {
		if upd.UpdateID >= atomic.LoadInt64(&c.offset) {
			atomic.StoreInt64(&c.offset, upd.UpdateID+1)
		}
		if upd.CallbackQuery.ID != "" {
			c.ackCallback(ctx, upd.CallbackQuery.ID)
			handler(c.callbackMessage(upd))
			continue
		}
		if upd.Message.MessageID == 0 {
			continue
		}
		msg, ok := c.toMessage(upd)
		if !ok {
			continue
		}
		handler(msg)
	}
	return nil
}

// toMessage discriminates a raw update into an intake event kind.
func (c *Channel) toMessage(upd update) (types.Message, bool) {
	m := upd.Message
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}

	msg := types.Message{
		ID:        uuid.NewString(),
		ChannelID: c.id,
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		UserID:    m.From.ID,
		UserName:  displayName(m.From),
		Text:      text,
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		msg.Kind = types.KindStart
		msg.Text = ""
	case m.Document.FileID != "":
		msg.Kind = types.KindDocument
		msg.Attachment = &types.Attachment{
			FileID:   m.Document.FileID,
			UniqueID: m.Document.FileUniqueID,
			Name:     m.Document.FileName,
		}
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		msg.Kind = types.KindPhoto
		msg.Attachment = &types.Attachment{
			FileID:   largest.FileID,
			UniqueID: largest.FileUniqueID,
			Photo:    true,
		}
	case text == ButtonFinalize:
		msg.Kind = types.KindFinalize
		msg.Text = ""
	case text == ButtonCancel:
		msg.Kind = types.KindCancel
		msg.Text = ""
	case text != "":
		msg.Kind = types.KindText
	default:
		return types.Message{}, false
	}
	return msg, true
}

func (c *Channel) callbackMessage(upd update) types.Message {
	return types.Message{
		ID:        uuid.NewString(),
		Kind:      types.KindAck,
		ChannelID: c.id,
		ChatID:    strconv.FormatInt(upd.CallbackQuery.Message.Chat.ID, 10),
		UserID:    upd.CallbackQuery.From.ID,
		UserName:  displayName(upd.CallbackQuery.From),
		Text:      upd.CallbackQuery.Data,
	}
}

func (c *Channel) ackCallback(ctx context.Context, callbackID string) {
	payload := map[string]interface{}{"callback_query_id": callbackID}
	if err := c.call(ctx, "answerCallbackQuery", payload, nil); err != nil {
		logger.Error("telegram callback ack: %v", err)
	}
}

func (c *Channel) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	url := strings.TrimRight(c.cfg.APIRoot, "/") + "/bot" + c.cfg.BotToken + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var base apiResponse
	if err := json.Unmarshal(respBody, &base); err != nil {
		return err
	}
	if !base.OK {
		return fmt.Errorf("telegram api error: %s", base.Description)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func displayName(u telegramUser) string {
	return strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

type getUpdatesResponse struct {
	apiResponse
	Result []update `json:"result"`
}

type getFileResponse struct {
	apiResponse
	Result struct {
		FilePath string `json:"file_path"`
	} `json:"result"`
}

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type update struct {
	UpdateID      int64           `json:"update_id"`
	Message       telegramMessage `json:"message"`
	CallbackQuery struct {
		ID      string       `json:"id"`
		From    telegramUser `json:"from"`
		Data    string       `json:"data"`
		Message struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

type telegramMessage struct {
	MessageID int64        `json:"message_id"`
	From      telegramUser `json:"from"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text     string `json:"text"`
	Caption  string `json:"caption"`
	Document struct {
		FileID       string `json:"file_id"`
		FileUniqueID string `json:"file_unique_id"`
		FileName     string `json:"file_name"`
	} `json:"document"`
	Photo []struct {
		FileID       string `json:"file_id"`
		FileUniqueID string `json:"file_unique_id"`
	} `json:"photo"`
}
