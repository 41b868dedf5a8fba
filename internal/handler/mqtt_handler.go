package handler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"vitals-monitor/internal/config"
	"vitals-monitor/internal/metrics"
	"vitals-monitor/internal/models"
)

const (
	SourceMQTT = "mqtt"

	watchTimeout = 30 * time.Second
)

// PatientWatcher is implemented by *Watcher.
type PatientWatcher interface {
	Watch(ctx context.Context, patientID string) (*models.PatientView, error)
	Unwatch(ctx context.Context, patientID string) (bool, error)
}

// MQTTBridge feeds vitals and fall payloads published on MQTT into the
// processor and accepts watch/unwatch commands on <prefix>/watch and
// <prefix>/unwatch.
type MQTTBridge struct {
	ctx          context.Context
	sink         EventSink
	watcher      PatientWatcher
	vitalsTopic  string
	fallsTopic   string
	watchTopic   string
	unwatchTopic string
	logger       *zap.Logger
	metrics      *metrics.Collector
}

func NewMQTTBridge(ctx context.Context, cfg *config.Config, sink EventSink, watcher PatientWatcher, logger *zap.Logger, m *metrics.Collector) *MQTTBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTBridge{
		ctx:          ctx,
		sink:         sink,
		watcher:      watcher,
		vitalsTopic:  cfg.MQTTVitalsTopic,
		fallsTopic:   cfg.MQTTFallsTopic,
		watchTopic:   cfg.MQTTControlPrefix + "/watch",
		unwatchTopic: cfg.MQTTControlPrefix + "/unwatch",
		logger:       logger.With(zap.String("source", SourceMQTT)),
		metrics:      m,
	}
}

func (b *MQTTBridge) Topics() []string {
	return []string{b.vitalsTopic, b.fallsTopic, b.watchTopic, b.unwatchTopic}
}

func NewMessageHandler(b *MQTTBridge) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		b.logger.Debug("Received message", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))

		switch msg.Topic() {
		case b.vitalsTopic:
			b.forward(models.EventVitals, msg.Payload())
		case b.fallsTopic:
			b.forward(models.EventFalls, msg.Payload())
		case b.watchTopic:
			if id, ok := b.controlPatient(msg.Payload()); ok {
				go b.watch(id)
			}
		case b.unwatchTopic:
			if id, ok := b.controlPatient(msg.Payload()); ok {
				go b.unwatch(id)
			}
		default:
			b.logger.Warn("Unknown topic", zap.String("topic", msg.Topic()))
		}
	}
}

func (b *MQTTBridge) forward(name string, payload []byte) {
	ev, err := DecodeEvent(name, payload)
	if err != nil {
		b.metrics.EventDropped("malformed")
		b.logger.Debug("Dropping malformed payload", zap.String("event", name), zap.Error(err))
		return
	}
	b.sink.Publish(b.ctx, ev)
}

func (b *MQTTBridge) controlPatient(payload []byte) (string, bool) {
	var msg models.WatchPayload
	if err := json.Unmarshal(payload, &msg); err != nil || msg.PatientID == "" {
		b.logger.Warn("Ignoring control message without patientId", zap.ByteString("payload", payload))
		return "", false
	}
	return msg.PatientID, true
}

func (b *MQTTBridge) watch(patientID string) {
	ctx, cancel := context.WithTimeout(b.ctx, watchTimeout)
	defer cancel()
	if _, err := b.watcher.Watch(ctx, patientID); err != nil {
		b.logger.Error("Watch request failed", zap.String("patient_id", patientID), zap.Error(err))
	}
}

func (b *MQTTBridge) unwatch(patientID string) {
	ctx, cancel := context.WithTimeout(b.ctx, watchTimeout)
	defer cancel()
	if _, err := b.watcher.Unwatch(ctx, patientID); err != nil {
		b.logger.Error("Unwatch request failed", zap.String("patient_id", patientID), zap.Error(err))
	}
}

func (b *MQTTBridge) connectHandler(client mqtt.Client) {
	b.logger.Info("Connected to MQTT broker")
	b.metrics.SetConnected(SourceMQTT, true)
	subscribeToTopics(client, b.Topics(), b.logger)
}

func (b *MQTTBridge) connectLostHandler(client mqtt.Client, err error) {
	b.metrics.SetConnected(SourceMQTT, false)
	b.logger.Warn("Connection lost", zap.Error(err))
}

func InitializeMQTT(cfg *config.Config, clientID string, bridge *MQTTBridge) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.MQTTUsername)
	opts.SetPassword(cfg.MQTTPassword)
	opts.SetAutoReconnect(true)
	opts.SetDefaultPublishHandler(NewMessageHandler(bridge))
	opts.OnConnect = bridge.connectHandler
	opts.OnConnectionLost = bridge.connectLostHandler

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, errors.New("mqtt: connect timed out")
	}
	if token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

func subscribeToTopics(client mqtt.Client, topics []string, logger *zap.Logger) {
	for _, topic := range topics {
		token := client.Subscribe(topic, 1, nil)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("Subscribe failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		logger.Info("Subscribed to topic", zap.String("topic", topic))
	}
}
