package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"circuitpanel/models"

	"go.uber.org/zap"
)

// APIClient is the typed client for the panel backend. Every method returns
// either a value or a tagged *models.Failure; no transport or decoding error
// escapes this boundary in any other shape.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewAPIClient(baseURL string, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Login authenticates against POST /api/login. A credential rejection comes
// back as an application failure carrying the server's own message.
func (c *APIClient) Login(username, password string) (*models.Session, *models.Failure) {
	body := map[string]string{"username": username, "password": password}

	var session models.Session
	if fail := c.do(http.MethodPost, "/api/login", "", body, &session, "Error al iniciar sesión"); fail != nil {
		return nil, fail
	}
	if session.Token == "" {
		return nil, models.NewApplicationFailure("Error al iniciar sesión")
	}
	return &session, nil
}

// FetchDeviceState reads GET /api/consultarEstados.
func (c *APIClient) FetchDeviceState(token string) (models.Estados, *models.Failure) {
	var estados models.Estados
	fail := c.do(http.MethodGet, "/api/consultarEstados", token, nil, &estados, "Error al consultar estados")
	return estados, fail
}

// WriteDeviceState posts the complete device state to POST /api/insertarEstados.
func (c *APIClient) WriteDeviceState(token string, userID int, st models.DeviceState) *models.Failure {
	return c.do(http.MethodPost, "/api/insertarEstados", token,
		models.NewEstadosRequest(st, userID), nil, "Error al insertar estados")
}

// FetchObstacle reads GET /api/consultarObstaculo. The body is a bare JSON
// boolean.
func (c *APIClient) FetchObstacle(token string) (bool, *models.Failure) {
	var detected bool
	fail := c.do(http.MethodGet, "/api/consultarObstaculo", token, nil, &detected, "Error al consultar obstáculo")
	return detected, fail
}

// FetchHistory reads GET /api/consultarHistorial and unwraps the envelope.
func (c *APIClient) FetchHistory(token string) ([]models.HistoryEntry, *models.Failure) {
	var resp models.HistorialResponse
	if fail := c.do(http.MethodGet, "/api/consultarHistorial", token, nil, &resp, "Error al consultar historial"); fail != nil {
		return nil, fail
	}
	return resp.Historial, nil
}

// AppendHistory records one action via POST /api/insertarHistorial.
func (c *APIClient) AppendHistory(token string, userID int, action string) *models.Failure {
	return c.do(http.MethodPost, "/api/insertarHistorial", token,
		models.HistorialRequest{UserID: userID, Action: action}, nil, "Error al insertar historial")
}

// do runs one request and classifies the outcome. Transport-level errors
// become connectivity failures; non-2xx responses become application
// failures carrying the server's {error} message when present, otherwise
// genericMsg.
func (c *APIClient) do(method, path, token string, body, out any, genericMsg string) *models.Failure {
	url := c.baseURL + path

	var reqBody *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.logger.Error("Failed to marshal request body",
				zap.String("path", path),
				zap.Error(err))
			return models.NewApplicationFailure(genericMsg)
		}
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return models.NewConnectivityFailure("No se pudo conectar con el servidor")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "circuitpanel/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Request failed without a response",
			zap.String("path", path),
			zap.Error(err))
		return models.NewConnectivityFailure("No se pudo conectar con el servidor")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := genericMsg
		var errBody struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		c.logger.Warn("Backend rejected request",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("message", msg))
		return models.NewApplicationFailure(msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.logger.Warn("Failed to decode response",
				zap.String("path", path),
				zap.Error(err))
			return models.NewApplicationFailure(fmt.Sprintf("%s: respuesta inválida", genericMsg))
		}
	}

	return nil
}
