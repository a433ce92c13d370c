// Package api implements the HTTP monitor for the emulated board.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/micro-nova/sensorsim/internal/models"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	board    Board
	events   EventBus
	version  string
	upgrader websocket.Upgrader
}

// Board is the interface the handlers use to reach the emulated board.
type Board interface {
	Info(version string) models.Info
	Config() models.Board
	List() []models.PeripheralInfo
	Get(name string) (*models.PeripheralDetail, *models.AppError)
	Reset(name string) *models.AppError
	Tx(ctx context.Context, name string, req models.TxRequest) (models.TxResponse, *models.AppError)
	Feed(name string, req models.SamplesRequest) (models.SamplesResponse, *models.AppError)
	LoadFile(name string, req models.LoadFileRequest) (models.SamplesResponse, *models.AppError)
	SetProperties(name string, props map[string]float64, persist bool) (models.PeripheralInfo, *models.AppError)
	Drive(name, line string, level bool) *models.AppError
	Lines() map[string]bool
	Advance(d time.Duration) (time.Duration, *models.AppError)
}

// EventBus is the interface for subscribing to monitor events.
type EventBus interface {
	Subscribe(id string) <-chan models.Event
	Unsubscribe(id string)
	Recent(n int) []models.Event
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an AppError as a JSON response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}

// readJSON decodes the request body into v.
func readJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ErrBadRequest("invalid JSON: " + err.Error())
	}
	return nil
}

// boolQuery reads an optional boolean query parameter.
func boolQuery(r *http.Request, name string) (bool, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, models.FieldError(name, "invalid "+name+" parameter")
	}
	return v, nil
}

// intQuery reads an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, models.FieldError(name, "invalid "+name+" parameter")
	}
	return n, nil
}

func nameParam(r *http.Request) string {
	return chi.URLParam(r, "name")
}
