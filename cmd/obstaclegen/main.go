// obstaclegen publishes mock obstacle sensor readings over MQTT, standing
// in for the ESP32 firmware when testing the push channel.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circuitpanel/log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	mqttBroker = flag.String("broker", "localhost:1883", "MQTT broker address (host:port)")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
	mqttTopic  = flag.String("topic", "circuitpanel/obstaculo", "MQTT topic to publish to")
	interval   = flag.Duration("interval", 2*time.Second, "Publish interval")
	flipProb   = flag.Float64("flip", 0.2, "Probability of the obstacle flag flipping each interval (0.0-1.0)")
)

func main() {
	flag.Parse()

	logger := log.Named("obstaclegen")
	defer logger.Sync()

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", *mqttBroker)).
		SetClientID("obstaclegen").
		SetConnectTimeout(10 * time.Second)
	if *mqttUser != "" {
		opts.SetUsername(*mqttUser)
		opts.SetPassword(*mqttPass)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}
	defer client.Disconnect(250)

	logger.Info("Publishing obstacle readings",
		zap.String("broker", *mqttBroker),
		zap.String("topic", *mqttTopic),
		zap.Duration("interval", *interval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	detected := false
	for {
		select {
		case <-sigChan:
			logger.Info("Shutting down")
			return
		case <-ticker.C:
			if rand.Float64() < *flipProb {
				detected = !detected
			}

			payload := "false"
			if detected {
				payload = "true"
			}

			if token := client.Publish(*mqttTopic, 1, false, payload); token.Wait() && token.Error() != nil {
				logger.Error("Publish failed", zap.Error(token.Error()))
				continue
			}
			logger.Debug("Published obstacle reading", zap.Bool("detected", detected))
		}
	}
}
