package api

import (
	"net/http"
	"time"

	"github.com/micro-nova/sensorsim/internal/models"
)

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.board.Info(h.version))
}

func (h *Handlers) getBoard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.board.Config())
}

func (h *Handlers) getLines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.board.Lines())
}

// advanceClock moves emulated time when the board runs on a virtual clock.
func (h *Handlers) advanceClock(w http.ResponseWriter, r *http.Request) {
	var req models.ClockRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, models.FieldError("duration", err.Error()))
		return
	}
	now, appErr := h.board.Advance(d)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, models.ClockResponse{Now: now.String(), NowNS: int64(now)})
}

func (h *Handlers) recentEvents(w http.ResponseWriter, r *http.Request) {
	n, err := intQuery(r, "n", 10)
	if err != nil {
		writeError(w, err)
		return
	}
	if n < 0 {
		writeError(w, models.FieldError("n", "must not be negative"))
		return
	}
	evs := h.events.Recent(n)
	if evs == nil {
		evs = []models.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}
