package services

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"circuitpanel/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// ObstacleAlertService sends Telegram notifications when the obstacle
// sensor flips. Alerts are edge-triggered with a per-direction cooldown so
// a flapping sensor does not flood the chat.
type ObstacleAlertService struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	cooldown time.Duration
	logger   *zap.Logger

	mu           sync.Mutex
	lastDetected time.Time
	lastCleared  time.Time
}

func NewObstacleAlertService(cfg *config.Config, logger *zap.Logger) (*ObstacleAlertService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %v", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %v", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := &ObstacleAlertService{
		bot:      bot,
		chatID:   chatID,
		cooldown: cfg.ObstacleAlertCooldown,
		logger:   logger,
	}

	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %v", err)
	}

	return ts, nil
}

// testConnection tests Telegram connection with retry logic
func (ts *ObstacleAlertService) testConnection() error {
	maxRetries := 3

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))

		_, err := ts.bot.GetMe()
		if err == nil {
			ts.logger.Info("Telegram connection successful")
			return nil
		}

		ts.logger.Warn("Telegram connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
	}

	return fmt.Errorf("failed to connect to Telegram after %d attempts", maxRetries)
}

// ObstacleChanged implements the engine's transition listener.
func (ts *ObstacleAlertService) ObstacleChanged(detected bool) {
	if ts.shouldThrottle(detected) {
		ts.logger.Debug("Throttling obstacle alert", zap.Bool("detected", detected))
		return
	}

	var message string
	if detected {
		message = "🔴 <b>Obstáculo Detectado</b>\n\nEl sensor del circuito ESP32 detectó un obstáculo."
	} else {
		message = "🟢 <b>Sin Obstáculos</b>\n\nEl sensor del circuito ESP32 ya no detecta obstáculos."
	}

	if err := ts.send(message); err != nil {
		ts.logger.Error("Failed to send obstacle alert",
			zap.Bool("detected", detected),
			zap.Error(err))
		return
	}

	ts.logger.Info("Obstacle alert sent", zap.Bool("detected", detected))
}

// SendStartupMessage announces the service coming online.
func (ts *ObstacleAlertService) SendStartupMessage() error {
	message := fmt.Sprintf(
		"🚀 <b>circuitpanel iniciado</b>\n\nMonitoreo del sensor de obstáculos activo.\n<i>%s</i>",
		time.Now().Format("2006-01-02 15:04:05"),
	)
	return ts.send(message)
}

func (ts *ObstacleAlertService) send(message string) error {
	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := ts.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %v", err)
	}
	return nil
}

// shouldThrottle enforces the cooldown per transition direction and stamps
// the alert time when the alert is allowed through.
func (ts *ObstacleAlertService) shouldThrottle(detected bool) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if detected {
		if now.Sub(ts.lastDetected) < ts.cooldown {
			return true
		}
		ts.lastDetected = now
		return false
	}

	if now.Sub(ts.lastCleared) < ts.cooldown {
		return true
	}
	ts.lastCleared = now
	return false
}
