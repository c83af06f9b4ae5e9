// Package notify sends trade and lifecycle notifications over Telegram and
// listens for operator commands. Delivery is best-effort: a failed send is
// logged and dropped, never allowed to stall the trading loop.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Command is an operator instruction received over the bot chat.
type Command string

const (
	CmdPause  Command = "pause"
	CmdResume Command = "resume"
	CmdStatus Command = "status"
)

// Config holds bot credentials. Empty Token disables the notifier.
type Config struct {
	Token   string
	ChatID  string
	Timeout time.Duration
}

// Telegram posts messages to a single chat and long-polls for commands.
type Telegram struct {
	cfg     Config
	rest    *resty.Client
	baseURL string

	mu     sync.Mutex
	offset int64
}

// NewTelegram creates a notifier. Returns nil when no token is configured;
// all methods are safe to call on a nil receiver.
func NewTelegram(cfg Config) *Telegram {
	if cfg.Token == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Telegram{
		cfg:     cfg,
		rest:    resty.New().SetTimeout(cfg.Timeout),
		baseURL: "https://api.telegram.org/bot" + cfg.Token,
	}
}

// Send posts a message to the configured chat. Failures are logged only.
func (t *Telegram) Send(ctx context.Context, text string) {
	if t == nil {
		return
	}
	resp, err := t.rest.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id":    t.cfg.ChatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		Post(t.baseURL + "/sendMessage")
	if err != nil {
		log.Warn().Err(err).Msg("telegram send failed")
		return
	}
	if resp.StatusCode() != 200 {
		log.Warn().Int("status", resp.StatusCode()).Msg("telegram send rejected")
	}
}

// Sendf formats and sends.
func (t *Telegram) Sendf(ctx context.Context, format string, args ...any) {
	if t == nil {
		return
	}
	t.Send(ctx, fmt.Sprintf(format, args...))
}

type updatesResponse struct {
	OK     bool `json:"ok"`
	Result []struct {
		UpdateID int64 `json:"update_id"`
		Message  struct {
			Text string `json:"text"`
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"result"`
}

// Listen long-polls getUpdates and forwards recognized commands until the
// context is cancelled. Unknown text is ignored.
func (t *Telegram) Listen(ctx context.Context, commands chan<- Command) {
	if t == nil {
		return
	}
	for ctx.Err() == nil {
		cmds, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("telegram poll failed")
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, cmd := range cmds {
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *Telegram) poll(ctx context.Context) ([]Command, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	out := &updatesResponse{}
	resp, err := t.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  fmt.Sprintf("%d", offset),
			"timeout": "25",
		}).
		SetResult(out).
		Get(t.baseURL + "/getUpdates")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 || !out.OK {
		return nil, fmt.Errorf("telegram: getUpdates status %d", resp.StatusCode())
	}

	var cmds []Command
	for _, u := range out.Result {
		if u.UpdateID >= offset {
			offset = u.UpdateID + 1
		}
		if cmd, ok := parseCommand(u.Message.Text); ok {
			cmds = append(cmds, cmd)
		}
	}

	t.mu.Lock()
	t.offset = offset
	t.mu.Unlock()
	return cmds, nil
}

func parseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	// Strip bot-name suffix ("/status@mybot").
	word := strings.Fields(text)[0]
	if at := strings.Index(word, "@"); at > 0 {
		word = word[:at]
	}
	switch word {
	case "/pause":
		return CmdPause, true
	case "/resume":
		return CmdResume, true
	case "/status":
		return CmdStatus, true
	}
	return "", false
}
