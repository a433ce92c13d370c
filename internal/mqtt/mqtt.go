// Package mqtt mirrors the monitor event bus to an MQTT broker and accepts
// live samples and property updates from it.
//
// Topics, under a configurable prefix (default "sensorsim"):
//
//	<prefix>/<peripheral>/event    monitor events, published (board-wide events use "board")
//	<prefix>/<peripheral>/sample   samples, subscribed
//	<prefix>/<peripheral>/set      property updates, subscribed
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/micro-nova/sensorsim/internal/models"
)

const (
	DefaultPrefix = "sensorsim"

	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second
)

// Board is the part of the simulator the bridge writes into.
type Board interface {
	Feed(name string, req models.SamplesRequest) (models.SamplesResponse, *models.AppError)
	SetProperties(name string, props map[string]float64, persist bool) (models.PeripheralInfo, *models.AppError)
}

// EventBus is the source of published events.
type EventBus interface {
	Subscribe(id string) <-chan models.Event
	Unsubscribe(id string)
}

// Config selects the broker and topic layout.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Prefix   string
	Logger   *slog.Logger
}

// Client connects the board to a broker.
type Client struct {
	client paho.Client
	board  Board
	events EventBus
	prefix string
	log    *slog.Logger
}

// New prepares a client. Nothing is dialled until Run.
func New(cfg Config, board Board, events EventBus) *Client {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "sensorsim-" + uuid.NewString()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		board:  board,
		events: events,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    cfg.Logger,
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn("mqtt: connection lost", "err", err)
		})
	c.client = paho.NewClient(opts)
	return c
}

// Run connects, then publishes events until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: connect: %w", token.Error())
	}
	defer c.client.Disconnect(250)

	id := "mqtt-" + uuid.NewString()
	ch := c.events.Subscribe(id)
	defer c.events.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.publish(e)
		}
	}
}

func (c *Client) publish(e models.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		c.log.Error("mqtt: marshal event", "err", err)
		return
	}
	topic := c.EventTopic(e)
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.log.Warn("mqtt: publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.log.Warn("mqtt: publish failed", "topic", topic, "err", err)
	}
}

// subscriptions are redone on every (re)connect.
func (c *Client) onConnect(client paho.Client) {
	c.log.Info("mqtt: connected")
	for _, topic := range []string{c.prefix + "/+/sample", c.prefix + "/+/set"} {
		token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
			if err := c.Handle(msg.Topic(), msg.Payload()); err != nil {
				c.log.Warn("mqtt: message rejected", "topic", msg.Topic(), "err", err)
			}
		})
		if token.Wait() && token.Error() != nil {
			c.log.Error("mqtt: subscribe", "topic", topic, "err", token.Error())
		}
	}
}

// EventTopic is where e is published.
func (c *Client) EventTopic(e models.Event) string {
	name := e.Peripheral
	if name == "" {
		name = "board"
	}
	return c.prefix + "/" + name + "/event"
}

// Handle applies one inbound message.
func (c *Client) Handle(topic string, payload []byte) error {
	name, kind, err := c.parseTopic(topic)
	if err != nil {
		return err
	}
	switch kind {
	case "sample":
		req, err := DecodeSamples(payload)
		if err != nil {
			return err
		}
		resp, appErr := c.board.Feed(name, req)
		if appErr != nil {
			return appErr
		}
		c.log.Debug("mqtt: samples queued", "peripheral", name, "queued", resp.Queued)
	case "set":
		var props map[string]float64
		if err := json.Unmarshal(payload, &props); err != nil {
			return fmt.Errorf("bad properties: %w", err)
		}
		if len(props) == 0 {
			return errors.New("no properties")
		}
		if _, appErr := c.board.SetProperties(name, props, false); appErr != nil {
			return appErr
		}
	default:
		return fmt.Errorf("unsupported topic %q", topic)
	}
	return nil
}

func (c *Client) parseTopic(topic string) (name, kind string, err error) {
	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return "", "", fmt.Errorf("topic %q outside %q", topic, c.prefix)
	}
	name, kind, ok = strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(kind, "/") {
		return "", "", fmt.Errorf("malformed topic %q", topic)
	}
	return name, kind, nil
}

// DecodeSamples accepts a full samples request, a list of rows, a single
// row, or a bare number.
func DecodeSamples(payload []byte) (models.SamplesRequest, error) {
	var req models.SamplesRequest
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(payload, &req); err != nil {
			return req, fmt.Errorf("bad samples: %w", err)
		}
		return req, nil
	}

	var rows [][]float64
	if err := json.Unmarshal(payload, &rows); err == nil {
		req.Samples = rows
		return req, nil
	}
	var row []float64
	if err := json.Unmarshal(payload, &row); err == nil {
		req.Samples = [][]float64{row}
		return req, nil
	}
	var v float64
	if err := json.Unmarshal(payload, &v); err == nil {
		req.Samples = [][]float64{{v}}
		return req, nil
	}
	return req, fmt.Errorf("bad samples payload %q", trimmed)
}
