package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTT publishes job events and listens for cancel commands on
// <prefix>/cancel.
type MQTT struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger

	mu       sync.RWMutex
	onCancel CancelFunc
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// cancelCommand is the payload of a remote cancel message.
type cancelCommand struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

func Connect(opts Options) (*MQTT, error) {
	m := newMQTT(opts.TopicPrefix, opts.Log)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	m.conn = mqtt.NewClient(clientOpts)
	token := m.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return m, nil
}

func newMQTT(prefix string, log zerolog.Logger) *MQTT {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "transcriptd"
	}
	return &MQTT{
		prefix: prefix,
		log:    log.With().Str("component", "mqtt").Logger(),
	}
}

// OnCancel registers the handler for remote cancel commands.
func (m *MQTT) OnCancel(fn CancelFunc) {
	m.mu.Lock()
	m.onCancel = fn
	m.mu.Unlock()
}

func (m *MQTT) cancelTopic() string { return m.prefix + "/cancel" }

func (m *MQTT) statusTopic(jobID string) string { return m.prefix + "/jobs/" + jobID + "/status" }

func (m *MQTT) onConnect(client mqtt.Client) {
	m.connected.Store(true)
	m.log.Info().Str("topic", m.cancelTopic()).Msg("mqtt connected, subscribing")

	token := client.Subscribe(m.cancelTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		m.handleCancel(msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		m.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.connected.Store(false)
	m.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (m *MQTT) handleCancel(payload []byte) {
	var cmd cancelCommand
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.JobID == "" || cmd.UserID == "" {
		m.log.Warn().Int("payload_size", len(payload)).Msg("ignoring malformed cancel command")
		return
	}

	m.mu.RLock()
	fn := m.onCancel
	m.mu.RUnlock()
	if fn == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx, cmd.UserID, cmd.JobID); err != nil {
		m.log.Warn().Err(err).Str("job_id", cmd.JobID).Msg("remote cancel failed")
		return
	}
	m.log.Info().Str("job_id", cmd.JobID).Msg("job canceled by remote command")
}

// PublishJob sends ev as retained JSON on <prefix>/jobs/<id>/status. The
// publish completes asynchronously.
func (m *MQTT) PublishJob(_ context.Context, ev JobEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	token := m.conn.Publish(m.statusTopic(ev.JobID), 1, true, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			m.log.Warn().Err(token.Error()).Str("job_id", ev.JobID).Msg("mqtt publish failed")
		}
	}()
}

func (m *MQTT) Connected() bool {
	return m.connected.Load()
}

func (m *MQTT) Close() {
	m.log.Info().Msg("disconnecting mqtt client")
	m.conn.Disconnect(1000)
}
