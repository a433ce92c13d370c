// Package zeroconf advertises the monitor API as an mDNS/DNS-SD service so
// host tools can find running simulators on the LAN.
package zeroconf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/micro-nova/sensorsim/internal/models"
)

// ServiceType is the DNS-SD type the monitor registers under.
const ServiceType = "_sensorsim._tcp"

// ErrNotStarted is returned by SetText before Start has registered.
var ErrNotStarted = errors.New("zeroconf: service not started")

// Service manages one mDNS registration.
type Service struct {
	instance string
	port     int
	log      *slog.Logger

	mu     sync.Mutex
	text   []string
	server *zeroconf.Server
}

// New creates a service advertising instance on port with the given TXT
// records. A nil logger uses slog.Default().
func New(instance string, port int, text []string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{instance: instance, port: port, text: text, log: log}
}

// Text builds TXT records describing a running board.
func Text(info models.Info, list []models.PeripheralInfo) []string {
	names := make([]string, len(list))
	for i, p := range list {
		names[i] = p.Name
	}
	return []string{
		"version=" + info.Version,
		"board=" + info.Board,
		"peripherals=" + strings.Join(names, ","),
		"api=/api",
	}
}

// Start registers the service and blocks until ctx is cancelled, then
// unregisters it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	server, err := zeroconf.Register(s.instance, ServiceType, "local.", s.port, s.text, nil)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("zeroconf register: %w", err)
	}
	s.server = server
	s.mu.Unlock()
	s.log.Info("zeroconf: registered", "instance", s.instance, "type", ServiceType, "port", s.port)

	<-ctx.Done()

	s.mu.Lock()
	s.server = nil
	s.mu.Unlock()
	server.Shutdown()
	s.log.Info("zeroconf: unregistered", "instance", s.instance)
	return nil
}

// SetText replaces and re-announces the TXT records.
func (s *Service) SetText(text []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	if s.server == nil {
		return ErrNotStarted
	}
	s.server.SetText(text)
	return nil
}
