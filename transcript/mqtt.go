package transcript

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MQTTConfig addresses the broker lines are relayed to.
type MQTTConfig struct {
	Broker         string // host
	Port           int
	ClientID       string
	TopicPrefix    string
	QoS            byte
	Username       string
	Password       string
	PublishTimeout time.Duration
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTRelay is a Sink publishing each line as JSON to <prefix>/<bot>.
type MQTTRelay struct {
	client  publisher
	closer  func()
	prefix  string
	qos     byte
	timeout time.Duration
}

type relayMessage struct {
	Bot     string `json:"bot"`
	Session string `json:"session"`
	Seq     uint64 `json:"seq"`
	Prompt  bool   `json:"prompt,omitempty"`
	Line    string `json:"line"`
	At      string `json:"at"`
}

// DialMQTT connects to the broker and returns a relay. The paho client
// reconnects on its own; publishes during an outage fail and are reported.
func DialMQTT(cfg MQTTConfig) (*MQTTRelay, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("transcript: mqtt broker is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 1883
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("mudbot-%d", time.Now().Unix())
	}
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("transcript: mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	log.Printf("transcript: connecting to mqtt broker %s", brokerURL)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("transcript: mqtt connect %s: %w", brokerURL, token.Error())
	}
	relay := newMQTTRelay(client, cfg)
	relay.closer = func() { client.Disconnect(250) }
	return relay, nil
}

func newMQTTRelay(client publisher, cfg MQTTConfig) *MQTTRelay {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.TrimRight(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "mudbot"
	}
	return &MQTTRelay{client: client, prefix: prefix, qos: cfg.QoS, timeout: timeout}
}

// Topic returns the topic lines of bot are published to.
func (r *MQTTRelay) Topic(bot string) string {
	return r.prefix + "/" + bot
}

func (r *MQTTRelay) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(relayMessage{
		Bot:     e.Bot,
		Session: e.Session,
		Seq:     e.Seq,
		Prompt:  e.Prompt,
		Line:    string(e.Line),
		At:      e.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("transcript: encode mqtt payload: %w", err)
	}
	token := r.client.Publish(r.Topic(e.Bot), r.qos, false, payload)
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("transcript: mqtt publish to %s timed out after %s", r.Topic(e.Bot), timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("transcript: mqtt publish to %s: %w", r.Topic(e.Bot), err)
	}
	return nil
}

func (r *MQTTRelay) Close() error {
	if r.closer != nil {
		r.closer()
	}
	return nil
}
