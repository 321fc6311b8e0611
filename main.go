package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"circuitpanel/config"
	"circuitpanel/log"
	"circuitpanel/services"

	"go.uber.org/zap"
)

func main() {
	// Initialize structured logger
	logger := log.GetInstance()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("circuitpanel starting",
		zap.String("api_url", cfg.APIURL),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("session_file", cfg.SessionFile))

	// Initialize services
	apiClient := services.NewAPIClient(cfg.APIURL, log.Named("api"))
	sessionStore := services.NewSessionStore(cfg.SessionFile, log.Named("session"))
	authService := services.NewAuthService(apiClient, sessionStore, log.Named("auth"))
	engine := services.NewSyncEngine(apiClient, authService, cfg.PollInterval, log.Named("sync"))

	// Optional Telegram obstacle alerts
	var alertService *services.ObstacleAlertService
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		alertService, err = services.NewObstacleAlertService(cfg, log.Named("telegram"))
		if err != nil {
			logger.Fatal("Failed to initialize Telegram service", zap.Error(err))
		}
		engine.AttachAlerts(alertService)

		if err := alertService.SendStartupMessage(); err != nil {
			logger.Warn("Failed to send startup message", zap.Error(err))
		}
	}

	// Optional RabbitMQ action audit
	var auditPublisher *services.AuditPublisher
	if cfg.RabbitMQURL != "" {
		auditPublisher, err = services.NewAuditPublisher(cfg, log.Named("audit"))
		if err != nil {
			logger.Fatal("Failed to initialize audit publisher", zap.Error(err))
		}
		engine.AttachAudit(auditPublisher)
	}

	// Restore a persisted session before any device I/O
	authService.Restore()
	if authService.IsAuthenticated() {
		engine.Start()
	}

	// Optional MQTT obstacle push channel
	var obstacleFeed *services.ObstacleFeed
	if cfg.MQTTBroker != "" {
		obstacleFeed, err = services.NewObstacleFeed(cfg, engine, log.Named("mqtt"))
		if err != nil {
			logger.Fatal("Failed to initialize obstacle feed", zap.Error(err))
		}
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	cleanupDone := make(chan bool, 1)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, stopping services")

		cancel()

		select {
		case <-cleanupDone:
			logger.Info("Cleanup completed successfully")
		case <-time.After(5 * time.Second):
			logger.Warn("Cleanup timeout, forcing exit")
		}

		logger.Info("circuitpanel stopped")
		os.Exit(0)
	}()

	// Interactive control console; stands in for the mobile dashboard.
	go runConsole(ctx, cancel, engine, authService)

	<-ctx.Done()

	logger.Info("Starting cleanup")

	engine.Stop()
	if obstacleFeed != nil {
		obstacleFeed.Close()
	}
	if auditPublisher != nil {
		if err := auditPublisher.Close(); err != nil {
			logger.Error("Error closing audit publisher", zap.Error(err))
		}
	}

	cleanupDone <- true
}

const consoleHelp = `Comandos:
  login <usuario> <contraseña>   iniciar sesión
  logout                         cerrar sesión
  led <1|2|3> <on|off>           conmutar un LED
  all <on|off>                   conmutar todos los LEDs
  motor <on|off>                 conmutar el motor
  status                         mostrar el estado del circuito
  history                        mostrar el historial de acciones
  help                           mostrar esta ayuda
  quit                           salir`

// runConsole reads commands from stdin and drives the engine. All temporal
// behavior stays inside the engine; the console only calls its API and
// prints snapshots.
func runConsole(ctx context.Context, quit context.CancelFunc, engine *services.SyncEngine, auth *services.AuthService) {
	fmt.Println("Panel de Control — circuito ESP32")
	fmt.Println(consoleHelp)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "login":
			if len(fields) != 3 {
				fmt.Println("Uso: login <usuario> <contraseña>")
				continue
			}
			ok, msg := auth.Login(fields[1], fields[2])
			if !ok {
				fmt.Println("Error:", msg)
				continue
			}
			fmt.Printf("Sesión iniciada (usuario %d)\n", auth.UserID())
			engine.Start()

		case "logout":
			engine.Stop()
			auth.Logout()
			fmt.Println("Sesión cerrada")

		case "led":
			if len(fields) != 3 {
				fmt.Println("Uso: led <1|2|3> <on|off>")
				continue
			}
			led := 0
			fmt.Sscanf(fields[1], "%d", &led)
			reportToggle(engine.ToggleLED(led, fields[2] == "on"))

		case "all":
			if len(fields) != 2 {
				fmt.Println("Uso: all <on|off>")
				continue
			}
			reportToggle(engine.ToggleAllLEDs(fields[1] == "on"))

		case "motor":
			if len(fields) != 2 {
				fmt.Println("Uso: motor <on|off>")
				continue
			}
			reportToggle(engine.ToggleMotor(fields[1] == "on"))

		case "status":
			printStatus(engine, auth)

		case "history":
			printHistory(engine)

		case "help":
			fmt.Println(consoleHelp)

		case "quit", "exit":
			quit()
			return

		default:
			fmt.Println("Comando desconocido. Escribe 'help' para ver los comandos.")
		}
	}
}

func reportToggle(accepted bool) {
	if !accepted {
		fmt.Println("Acción rechazada (sin sesión o actualización en curso)")
	}
}

func printStatus(engine *services.SyncEngine, auth *services.AuthService) {
	if !auth.IsAuthenticated() {
		fmt.Println("Sin sesión. Usa: login <usuario> <contraseña>")
		return
	}

	snap := engine.Snapshot()
	if !snap.Ready {
		fmt.Println("Cargando datos...")
		return
	}

	if snap.ConnectionError {
		fmt.Println("⚠ Error de conexión con el servidor")
	}
	fmt.Printf("LED 1: %s  LED 2: %s  LED 3: %s  Motor: %s\n",
		onOff(snap.State.Led1), onOff(snap.State.Led2), onOff(snap.State.Led3), onOff(snap.State.Motor))
	if snap.State.ObstacleDetected {
		fmt.Println("Obstáculo Detectado")
	} else {
		fmt.Println("Sin Obstáculos")
	}
	if snap.Updating {
		fmt.Println("(actualización en curso)")
	}
}

func printHistory(engine *services.SyncEngine) {
	entries := engine.History()
	if len(entries) == 0 {
		fmt.Println("No hay actividad reciente")
		return
	}
	for _, entry := range entries {
		ts := entry.Timestamp
		if parsed, err := time.Parse(time.RFC3339, entry.Timestamp); err == nil {
			ts = parsed.Local().Format("15:04:05")
		}
		fmt.Printf("%s  %s (usuario %d)\n", ts, entry.Action, entry.UserID)
	}
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
