package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rhazari/fleetdeck/internal/ftime"
	"github.com/rhazari/fleetdeck/internal/model"
)

// Application settings.
type Application struct {
	Debug          bool           `json:"debug"`
	HTTP           *HTTP          `json:"http"`
	Dispatch       Dispatch       `json:"dispatch"`
	Hub            Hub            `json:"hub"`
	SentryDSN      string         `json:"sentry_dsn"`
	NotifyTelegram NotifyTelegram `json:"notify_telegram"`
	ServerName     string         `json:"server_name"`
}

type HTTP struct {
	Listen  string         `json:"listen"`
	Timeout ftime.Duration `json:"timeout"`
}

// Dispatch holds command delivery deadlines. Deadlines is keyed by the
// wire name of the command kind and overrides DefaultDeadline per kind.
// HistoryRetention is how long resolved commands stay queryable.
type Dispatch struct {
	DefaultDeadline  ftime.Duration            `json:"default_deadline"`
	Deadlines        map[string]ftime.Duration `json:"deadlines"`
	HistoryRetention ftime.Duration            `json:"history_retention"`
}

type Hub struct {
	// SubscriberBuffer is how many events a slow subscriber may lag
	// behind before the oldest ones are dropped.
	SubscriberBuffer int `json:"subscriber_buffer"`
}

type NotifyTelegram struct {
	API    string `json:"api"`
	ChatID string `json:"chat_id"`
}

const (
	defaultDeadline         = ftime.Duration(15 * time.Second)
	defaultRetention        = ftime.Duration(time.Hour)
	defaultSubscriberBuffer = 64
)

// Parse parses config from file.
func Parse(path string) (Application, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return Application{}, err
	}

	app := Application{}
	if err = json.Unmarshal(fileBytes, &app); err != nil {
		return Application{}, err
	}

	if app.Dispatch.DefaultDeadline <= 0 {
		app.Dispatch.DefaultDeadline = defaultDeadline
	}

	if app.Dispatch.HistoryRetention <= 0 {
		app.Dispatch.HistoryRetention = defaultRetention
	}

	if app.Hub.SubscriberBuffer <= 0 {
		app.Hub.SubscriberBuffer = defaultSubscriberBuffer
	}

	return app, nil
}

// KindDeadlines resolves the per-kind deadline table to stdlib durations,
// dropping entries with unknown kind names.
func (d Dispatch) KindDeadlines() map[model.CommandKind]time.Duration {
	out := make(map[model.CommandKind]time.Duration, len(d.Deadlines))
	for name, dur := range d.Deadlines {
		kind, err := model.ParseCommandKind(name)
		if err != nil {
			continue
		}

		out[kind] = dur.Std()
	}

	return out
}
