package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"circuitpanel/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ObstacleSink receives pushed obstacle readings.
type ObstacleSink interface {
	SetObstacle(detected bool)
}

// ObstacleFeed subscribes to the MQTT topic the ESP32 publishes its
// obstacle flag on and forwards readings to the sync engine. The HTTP poll
// remains authoritative; the feed only delivers transitions sooner than the
// next tick would.
type ObstacleFeed struct {
	client mqtt.Client
	topic  string
	sink   ObstacleSink
	logger *zap.Logger
}

func NewObstacleFeed(cfg *config.Config, sink ObstacleSink, logger *zap.Logger) (*ObstacleFeed, error) {
	feed := &ObstacleFeed{
		topic:  cfg.MQTTObstacleTopic,
		sink:   sink,
		logger: logger,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", cfg.MQTTBroker)).
		SetClientID("circuitpanel").
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.MQTTUser != "" {
		opts.SetUsername(cfg.MQTTUser)
		opts.SetPassword(cfg.MQTTPass)
	}

	feed.client = mqtt.NewClient(opts)
	if token := feed.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	if token := feed.client.Subscribe(feed.topic, 1, feed.handleMessage); token.Wait() && token.Error() != nil {
		feed.client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", feed.topic, token.Error())
	}

	logger.Info("Obstacle feed connected",
		zap.String("broker", cfg.MQTTBroker),
		zap.String("topic", feed.topic))

	return feed, nil
}

func (f *ObstacleFeed) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	detected, err := parseObstaclePayload(msg.Payload())
	if err != nil {
		f.logger.Warn("Ignoring malformed obstacle message",
			zap.String("topic", msg.Topic()),
			zap.ByteString("payload", msg.Payload()),
			zap.Error(err))
		return
	}

	f.logger.Debug("Obstacle reading pushed", zap.Bool("detected", detected))
	f.sink.SetObstacle(detected)
}

// parseObstaclePayload accepts a bare JSON boolean, "0"/"1", or the firmware
// object form {"estadoobstaculo": bool}.
func parseObstaclePayload(payload []byte) (bool, error) {
	trimmed := bytes.TrimSpace(payload)

	switch string(trimmed) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}

	var obj struct {
		EstadoObstaculo *bool `json:"estadoobstaculo"`
	}
	if err := json.Unmarshal(trimmed, &obj); err == nil && obj.EstadoObstaculo != nil {
		return *obj.EstadoObstaculo, nil
	}

	return false, fmt.Errorf("unrecognized obstacle payload")
}

// Close unsubscribes and disconnects.
func (f *ObstacleFeed) Close() {
	if token := f.client.Unsubscribe(f.topic); token.Wait() && token.Error() != nil {
		f.logger.Warn("Failed to unsubscribe", zap.Error(token.Error()))
	}
	f.client.Disconnect(250)
	f.logger.Info("Obstacle feed closed")
}
