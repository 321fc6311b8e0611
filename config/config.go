package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Backend API
	APIURL       string
	PollInterval time.Duration

	// Local session persistence
	SessionFile string

	// Telegram obstacle alerts (optional)
	TelegramBotToken      string
	TelegramChatID        string
	ObstacleAlertCooldown time.Duration

	// RabbitMQ action audit (optional)
	RabbitMQURL        string
	RabbitMQExchange   string
	RabbitMQAuditQueue string

	// MQTT obstacle push channel (optional)
	MQTTBroker        string
	MQTTObstacleTopic string
	MQTTUser          string
	MQTTPass          string
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		APIURL:       getEnv("API_URL", "http://localhost:8080"),
		PollInterval: time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)) * time.Millisecond,

		SessionFile: getEnv("SESSION_FILE", "session.json"),

		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:        getEnv("TELEGRAM_CHAT_ID", ""),
		ObstacleAlertCooldown: time.Duration(getEnvInt("OBSTACLE_ALERT_COOLDOWN_SECONDS", 60)) * time.Second,

		RabbitMQURL:        getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:   getEnv("RABBITMQ_EXCHANGE", "circuitpanel"),
		RabbitMQAuditQueue: getEnv("RABBITMQ_AUDIT_QUEUE", "action_audit_queue"),

		MQTTBroker:        getEnv("MQTT_BROKER", ""),
		MQTTObstacleTopic: getEnv("MQTT_OBSTACLE_TOPIC", "circuitpanel/obstaculo"),
		MQTTUser:          getEnv("MQTT_USER", ""),
		MQTTPass:          getEnv("MQTT_PASS", ""),
	}

	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
