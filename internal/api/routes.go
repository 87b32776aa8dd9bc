package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (api *HTTP) setupRoutes() {
	router := mux.NewRouter()

	// device-facing channel endpoint, outside the operator API
	if api.deviceWS != nil {
		router.Handle("/channel", api.deviceWS)
	}

	// api/v1 base path handlers
	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middlewareCounter(api), middlewareRequestID(), middlewareLogger(api.logger))
	v1.HandleFunc("/info", api.handleInfo).Methods(http.MethodGet)
	v1.HandleFunc("/devices", api.handleListDevices).Methods(http.MethodGet)
	v1.HandleFunc("/devices", api.handleRegisterDevice).Methods(http.MethodPost)
	v1.HandleFunc("/devices/snapshot", api.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{device_id}", api.handleGetDevice).Methods(http.MethodGet)
	v1.HandleFunc("/devices/{device_id}", api.handleRemoveDevice).Methods(http.MethodDelete)
	v1.HandleFunc("/devices/{device_id}/telemetry", api.handleTelemetry).Methods(http.MethodPost)
	v1.HandleFunc("/devices/{device_id}/commands", api.handleIssueCommand).Methods(http.MethodPost)
	v1.HandleFunc("/commands/{command_id}", api.handleGetCommand).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{command_id}", api.handleCancelCommand).Methods(http.MethodDelete)
	v1.Handle("/events", api.handleEvents()).Methods(http.MethodGet)

	api.srv.Handler = router
}
