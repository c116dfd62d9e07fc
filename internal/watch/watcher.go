// Package watch detects the end of a charging session from the car's MQTT
// state topic and triggers a cost calculation.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// State is the car's charging state as published on the state topic.
type State string

const (
	// StateIdle is the initial state before any message has arrived.
	StateIdle     State = ""
	StateCharging State = "charging"
)

// SessionEnded is the pure transition rule: a calculation fires only when the
// car leaves the charging state. The initial idle state never fires, so a
// watcher starting mid-session does not re-bill an unknown session.
func SessionEnded(prev, next State) bool {
	return prev == StateCharging && next != StateCharging
}

// SessionSource locates the session to bill once a transition fires.
type SessionSource interface {
	LatestCompletedSession(ctx context.Context) (int64, error)
}

// ComputeFunc runs the cost calculation for one session.
type ComputeFunc func(ctx context.Context, sessionID int64) error

// Watcher subscribes to the state topic and invokes Compute synchronously on
// each charging-to-not-charging transition. Runs are strictly sequential; the
// mutex guards against a client delivering messages concurrently.
type Watcher struct {
	Broker  string
	Topic   string
	Source  SessionSource
	Compute ComputeFunc
	Logger  *slog.Logger

	mu   sync.Mutex
	prev State
}

// Run connects to the broker, subscribes, and blocks until the context is
// cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(w.Broker).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			w.Logger.Info("connected to MQTT broker", "broker", w.Broker)
			if token := c.Subscribe(w.Topic, 0, w.handle); token.Wait() && token.Error() != nil {
				w.Logger.Error("failed to subscribe", "topic", w.Topic, "error", token.Error())
			}
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", w.Broker, token.Error())
	}
	defer client.Disconnect(250)

	<-ctx.Done()
	return ctx.Err()
}

func (w *Watcher) handle(client mqtt.Client, msg mqtt.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := State(msg.Payload())
	fire := SessionEnded(w.prev, next)
	w.prev = next
	if !fire {
		return
	}

	w.Logger.Info("charging session ended", "state", string(next))
	ctx := context.Background()

	id, err := w.Source.LatestCompletedSession(ctx)
	if err != nil {
		w.Logger.Warn("no completed charging session found after session end", "error", err)
		return
	}
	if err := w.Compute(ctx, id); err != nil {
		w.Logger.Error("cost calculation failed", "session_id", id, "error", err)
	}
}
