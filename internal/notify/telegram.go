package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/rhazari/fleetdeck/internal/hub"
	"github.com/rhazari/fleetdeck/internal/model"
)

// Telegram forwards command failures to an operator chat so somebody
// notices a wipe that never landed without staring at the console.
type Telegram struct {
	c      *http.Client
	api    string
	chatID string
	log    zerolog.Logger
}

func NewTelegram(log zerolog.Logger, api, chatID string) *Telegram {
	return &Telegram{
		c:      &http.Client{Timeout: time.Second * 10},
		api:    api,
		chatID: chatID,
		log:    log.With().Str("pkg", "notify").Logger(),
	}
}

func (t *Telegram) Enabled() bool {
	return len(t.api) != 0 && len(t.chatID) != 0
}

// Run consumes the subscription until it closes, forwarding failed and
// timed-out command results. Successful outcomes stay quiet.
func (t *Telegram) Run(ctx context.Context, sub *hub.Subscription) {
	for ev := range sub.Events() {
		if ev.Kind != hub.EventCommandResult || ev.Command == nil {
			continue
		}

		cmd := ev.Command
		if cmd.State != model.StateFailed && cmd.State != model.StateTimedOut {
			continue
		}

		text := fmt.Sprintf("command %s on device %s: %s (%s)", cmd.Kind, cmd.DeviceID, cmd.State, cmd.Reason)
		if err := t.SendMessage(ctx, text); err != nil {
			t.log.Error().Err(err).Str("command", string(cmd.ID)).Msg("notifying operator")
		}
	}
}

// SendMessage posts a plain text message to the configured chat.
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	if !t.Enabled() {
		return model.ServiceError{Message: "telegram notifier is not configured", Code: http.StatusBadRequest}
	}

	if len(text) == 0 {
		return model.ServiceError{Message: "text is empty", Code: http.StatusBadRequest}
	}

	requestURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.api)
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return errors.Wrap(err, "unable to prepare request")
	}

	values := request.URL.Query()
	values.Set("chat_id", t.chatID)
	values.Set("text", text)
	request.URL.RawQuery = values.Encode()

	response, err := t.c.Do(request)
	if err != nil {
		return errors.Wrap(err, "unable to send message")
	}
	defer func() { _ = response.Body.Close() }()

	responseData, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(err, "unable to read response")
	}

	v, err := fastjson.ParseBytes(responseData)
	if err != nil {
		return errors.Wrap(err, "unable to parse response")
	}

	if !v.GetBool("ok") {
		return model.ServiceError{
			Message: fmt.Sprintf("telegram rejected message: %s", v.GetStringBytes("description")),
			Code:    response.StatusCode,
		}
	}

	return nil
}
