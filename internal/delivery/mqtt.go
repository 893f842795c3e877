package delivery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// MQTTOptions configures an MQTTSink.
type MQTTOptions struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Notification is the JSON message published per delivery.
type Notification struct {
	ID         string    `json:"id"`
	Location   string    `json:"location"`
	Subscriber string    `json:"subscriber"`
	Plots      []string  `json:"plots"`
	Files      []string  `json:"files"`
	SentAt     time.Time `json:"sent_at"`
}

// MQTTSink publishes a Notification to <topic_prefix>/<subscriber>.
type MQTTSink struct {
	client  mqtt.Client
	pub     publisher
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(opts MQTTOptions, logger *zap.Logger) (*MQTTSink, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, errors.New("mqtt broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID("epsgram-notifier-" + uuid.NewString()[:8])
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetKeepAlive(60 * time.Second)
	clientOpts.SetPingTimeout(10 * time.Second)
	clientOpts.SetConnectTimeout(10 * time.Second)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetMaxReconnectInterval(1 * time.Minute)
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", opts.Broker))
	})
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting", zap.Error(err))
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", token.Error())
	}

	s := newMQTTSink(client, opts, logger)
	s.client = client
	return s, nil
}

func newMQTTSink(pub publisher, opts MQTTOptions, logger *zap.Logger) *MQTTSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.QoS > 2 {
		opts.QoS = 1
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(opts.TopicPrefix), "/")
	if prefix == "" {
		prefix = "epsgram"
	}
	return &MQTTSink{
		pub:     pub,
		prefix:  prefix,
		qos:     opts.QoS,
		timeout: opts.Timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Topic returns the topic of one subscriber.
func (s *MQTTSink) Topic(subscriberID string) string {
	return s.prefix + "/" + subscriberID
}

// Deliver implements Sink.
func (s *MQTTSink) Deliver(ctx context.Context, location string, paths []string, subscriberID string) error {
	files := make([]string, len(paths))
	for i, p := range paths {
		files[i] = filepath.Base(p)
	}
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(Notification{
		ID:         uuid.NewString(),
		Location:   location,
		Subscriber: subscriberID,
		Plots:      paths,
		Files:      files,
		SentAt:     s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	token := s.pub.Publish(s.Topic(subscriberID), s.qos, false, payload)
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt publish to %s timed out after %s", s.Topic(subscriberID), timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", s.Topic(subscriberID), err)
	}
	return nil
}

// Close disconnects from the broker, waiting up to 250ms.
func (s *MQTTSink) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
