package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/sensorsim/internal/models"
)

func (h *Handlers) getPeripherals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.board.List())
}

func (h *Handlers) getPeripheral(w http.ResponseWriter, r *http.Request) {
	d, appErr := h.board.Get(nameParam(r))
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// setProperties sets physical inputs, e.g. {"temperature": 21.5}.
// ?persist=true also saves them in the board file.
func (h *Handlers) setProperties(w http.ResponseWriter, r *http.Request) {
	persist, err := boolQuery(r, "persist")
	if err != nil {
		writeError(w, err)
		return
	}
	var props map[string]float64
	if err := readJSON(r, &props); err != nil {
		writeError(w, err)
		return
	}
	if len(props) == 0 {
		writeError(w, models.ErrBadRequest("no properties given"))
		return
	}
	info, appErr := h.board.SetProperties(nameParam(r), props, persist)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) resetPeripheral(w http.ResponseWriter, r *http.Request) {
	name := nameParam(r)
	if appErr := h.board.Reset(name); appErr != nil {
		writeError(w, appErr)
		return
	}
	d, appErr := h.board.Get(name)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) tx(w http.ResponseWriter, r *http.Request) {
	var req models.TxRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, appErr := h.board.Tx(r.Context(), nameParam(r), req)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) feedSamples(w http.ResponseWriter, r *http.Request) {
	var req models.SamplesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, appErr := h.board.Feed(nameParam(r), req)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) loadSamples(w http.ResponseWriter, r *http.Request) {
	var req models.LoadFileRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, appErr := h.board.LoadFile(nameParam(r), req)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) driveLine(w http.ResponseWriter, r *http.Request) {
	var req models.DriveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if appErr := h.board.Drive(nameParam(r), chi.URLParam(r, "line"), req.Level); appErr != nil {
		writeError(w, appErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
