package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// NewRouter creates and returns the monitor HTTP router.
func NewRouter(board Board, bus EventBus, version string) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{
		board:   board,
		events:  bus,
		version: version,
		upgrader: websocket.Upgrader{
			// The monitor is a bench tool on the local network.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r.Route("/api", func(r chi.Router) {
		// System
		r.Get("/", h.getInfo)
		r.Get("/board", h.getBoard)
		r.Get("/lines", h.getLines)
		r.Post("/clock/advance", h.advanceClock)
		r.Get("/status.png", h.statusPNG)

		// Peripherals
		r.Get("/peripherals", h.getPeripherals)
		r.Route("/peripherals/{name}", func(r chi.Router) {
			r.Get("/", h.getPeripheral)
			r.Patch("/", h.setProperties)
			r.Post("/reset", h.resetPeripheral)
			r.Post("/tx", h.tx)
			r.Post("/samples", h.feedSamples)
			r.Post("/samples/file", h.loadSamples)
			r.Post("/lines/{line}", h.driveLine)
		})

		// Event streams
		r.Get("/events", h.sseEvents)
		r.Get("/events/recent", h.recentEvents)
		r.Get("/ws", h.wsEvents)
	})

	return r
}

// corsMiddleware adds permissive CORS headers for local network access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
