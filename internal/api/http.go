package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/raven-go"
	"github.com/rs/zerolog"

	"github.com/rhazari/fleetdeck/internal/config"
	"github.com/rhazari/fleetdeck/internal/dispatch"
	"github.com/rhazari/fleetdeck/internal/fcontext"
	"github.com/rhazari/fleetdeck/internal/hub"
	"github.com/rhazari/fleetdeck/internal/model"
	"github.com/rhazari/fleetdeck/internal/reconcile"
	"github.com/rhazari/fleetdeck/internal/registry"
)

const MaxHeaderBytes = 256 * (1 << 10) // 256 KiB

// HTTP is the presentation edge. It translates between operator requests
// and the fleet core; no fleet logic lives here.
type HTTP struct {
	srv *http.Server

	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	events     *hub.Core
	deviceWS   http.Handler

	notifier *raven.Client
	logger   zerolog.Logger

	bootTime     time.Time
	requestCount int64
}

// NewHTTP prepares new http service. deviceWS is the device-facing
// channel endpoint and may be nil when no websocket provider is wired.
func NewHTTP(
	cfg config.Application,
	reg *registry.Registry,
	dispatcher *dispatch.Dispatcher,
	reconciler *reconcile.Reconciler,
	events *hub.Core,
	deviceWS http.Handler,
	logger zerolog.Logger,
	notifier *raven.Client,
) (*HTTP, error) {
	to := cfg.HTTP.Timeout.Std()
	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		ReadTimeout:       to,
		ReadHeaderTimeout: to,
		WriteTimeout:      to,
		IdleTimeout:       to,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	api := &HTTP{
		srv:        srv,
		reg:        reg,
		dispatcher: dispatcher,
		reconciler: reconciler,
		events:     events,
		deviceWS:   deviceWS,
		notifier:   notifier,
		logger:     logger,
		bootTime:   time.Now(),
	}
	api.setupRoutes()

	return api, nil
}

// Serve connections
func (api *HTTP) Serve() {
	go func() {
		api.logger.Info().Str("listen", api.srv.Addr).Msg("serving http")
		err := api.srv.ListenAndServe()
		if err != nil {
			api.logger.Error().Err(err).Msg("interrupted")
		}
	}()
}

// Shutdown the server
func (api *HTTP) Shutdown(ctx context.Context) error {
	return api.srv.Shutdown(ctx)
}

func (api *HTTP) serveError(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	var logger = zerolog.Ctx(ctx)
	var rid = fcontext.RequestID(ctx)

	var responseError model.ServiceError
	switch terr := err.(type) {
	case model.ServiceError:
		responseError = terr
		if terr.Code == 0 {
			responseError.Code = http.StatusInternalServerError
		}
		if len(terr.RequestID) == 0 {
			responseError.RequestID = rid
		}
	default:
		responseError.Code = http.StatusInternalServerError
		responseError.Message = err.Error()
		responseError.RequestID = rid
	}

	logger.Error().Err(responseError).Msg("captured error")

	if api.notifier != nil && responseError.Code >= http.StatusInternalServerError {
		ravenRequest := raven.NewHttp(r)
		api.notifier.CaptureError(err, nil, ravenRequest)
	}

	asJSON(ctx, w, responseError, responseError.Code)
}

func asJSON(ctx context.Context, w http.ResponseWriter, obj interface{}, code int) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)

	err := json.NewEncoder(w).Encode(obj)
	if err != nil {
		logger := zerolog.Ctx(ctx)
		logger.Error().Err(err).Msg("encoding json")
	}
}
