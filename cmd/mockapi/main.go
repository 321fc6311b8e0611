// mockapi is an in-memory stand-in for the panel backend, implementing the
// same HTTP contract for local development. Seed credentials: admin / 123.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strings"
	"sync"
	"time"

	"circuitpanel/log"
	"circuitpanel/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	addr          = flag.String("addr", ":8080", "Listen address")
	obstacleEvery = flag.Duration("obstacle-every", 0, "Flip the obstacle flag periodically (0 = never)")
)

type user struct {
	id           int
	passwordHash []byte
}

type server struct {
	logger *zap.Logger

	mu        sync.Mutex
	users     map[string]user
	tokens    map[string]int // token -> user id
	estados   models.EstadosRequest
	historial []models.HistoryEntry
	nextID    int
}

func newServer(logger *zap.Logger) *server {
	hash, err := bcrypt.GenerateFromPassword([]byte("123"), bcrypt.DefaultCost)
	if err != nil {
		logger.Fatal("Failed to hash seed password", zap.Error(err))
	}

	return &server{
		logger: logger,
		users: map[string]user{
			"admin": {id: 1, passwordHash: hash},
		},
		tokens: make(map[string]int),
		nextID: 1,
	}
}

func main() {
	flag.Parse()

	logger := log.Named("mockapi")
	defer logger.Sync()

	srv := newServer(logger)

	router := mux.NewRouter()
	router.HandleFunc("/api/login", srv.handleLogin).Methods(http.MethodPost)
	router.HandleFunc("/api/consultarEstados", srv.auth(srv.handleConsultarEstados)).Methods(http.MethodGet)
	router.HandleFunc("/api/insertarEstados", srv.auth(srv.handleInsertarEstados)).Methods(http.MethodPost)
	router.HandleFunc("/api/consultarObstaculo", srv.auth(srv.handleConsultarObstaculo)).Methods(http.MethodGet)
	router.HandleFunc("/api/consultarHistorial", srv.auth(srv.handleConsultarHistorial)).Methods(http.MethodGet)
	router.HandleFunc("/api/insertarHistorial", srv.auth(srv.handleInsertarHistorial)).Methods(http.MethodPost)

	if *obstacleEvery > 0 {
		go srv.flipObstacle(*obstacleEvery)
	}

	logger.Info("mockapi listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, router); err != nil {
		logger.Fatal("Server stopped", zap.Error(err))
	}
}

// flipObstacle simulates the sensor by toggling the obstacle flag.
func (s *server) flipObstacle(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		s.estados.EstadoObstaculo = !s.estados.EstadoObstaculo
		detected := s.estados.EstadoObstaculo
		s.mu.Unlock()
		s.logger.Info("Obstacle flipped", zap.Bool("detected", detected))
	}
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Solicitud inválida")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[creds.Username]
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(creds.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "Usuario o contraseña incorrectos")
		return
	}

	token := uuid.NewString()
	s.tokens[token] = u.id

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  u.id,
	})
}

// auth enforces the Bearer token on every endpoint except login.
func (s *server) auth(next func(http.ResponseWriter, *http.Request, int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "Token no proporcionado")
			return
		}

		s.mu.Lock()
		userID, ok := s.tokens[strings.TrimPrefix(header, "Bearer ")]
		s.mu.Unlock()
		if !ok {
			writeError(w, http.StatusUnauthorized, "Token inválido")
			return
		}

		next(w, r, userID)
	}
}

func (s *server) handleConsultarEstados(w http.ResponseWriter, _ *http.Request, _ int) {
	s.mu.Lock()
	resp := models.Estados{
		EstadoLed1:   s.estados.EstadoLed1,
		EstadoLed2:   s.estados.EstadoLed2,
		EstadoLed3:   s.estados.EstadoLed3,
		EstadoSensor: s.estados.EstadoSensor,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleInsertarEstados(w http.ResponseWriter, r *http.Request, _ int) {
	var req models.EstadosRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Error al insertar estados")
		return
	}

	s.mu.Lock()
	s.estados = req
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"mensaje": "Estados registrados"})
}

func (s *server) handleConsultarObstaculo(w http.ResponseWriter, _ *http.Request, _ int) {
	s.mu.Lock()
	detected := s.estados.EstadoObstaculo
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, detected)
}

func (s *server) handleConsultarHistorial(w http.ResponseWriter, _ *http.Request, _ int) {
	s.mu.Lock()
	entries := make([]models.HistoryEntry, len(s.historial))
	copy(entries, s.historial)
	s.mu.Unlock()

	// Newest first, like the real backend's ORDER BY fechahora DESC.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	writeJSON(w, http.StatusOK, models.HistorialResponse{Historial: entries})
}

func (s *server) handleInsertarHistorial(w http.ResponseWriter, r *http.Request, userID int) {
	var req models.HistorialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
		writeError(w, http.StatusBadRequest, "Error al insertar historial")
		return
	}
	if req.UserID == 0 {
		req.UserID = userID
	}

	s.mu.Lock()
	entry := models.HistoryEntry{
		ID:        s.nextID,
		UserID:    req.UserID,
		Action:    req.Action,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	s.nextID++
	s.historial = append(s.historial, entry)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"mensaje": "Acción registrada"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
