package models

import (
	"fmt"
	"time"
)

// DeviceState mirrors the last known state of the ESP32 circuit.
type DeviceState struct {
	Led1             bool `json:"led1"`
	Led2             bool `json:"led2"`
	Led3             bool `json:"led3"`
	Motor            bool `json:"motor"`
	ObstacleDetected bool `json:"obstacle_detected"`
}

// Estados is the wire response of GET /api/consultarEstados.
// The motor relay travels in the estadosensor field.
type Estados struct {
	EstadoLed1   bool `json:"estadoled1"`
	EstadoLed2   bool `json:"estadoled2"`
	EstadoLed3   bool `json:"estadoled3"`
	EstadoSensor bool `json:"estadosensor"`
}

// EstadosRequest is the wire body of POST /api/insertarEstados. The backend
// has no per-field updates, so a write always carries the full state.
type EstadosRequest struct {
	EstadoLed1      bool `json:"estadoled1"`
	EstadoLed2      bool `json:"estadoled2"`
	EstadoLed3      bool `json:"estadoled3"`
	EstadoSensor    bool `json:"estadosensor"`
	EstadoObstaculo bool `json:"estadoobstaculo"`
	UserID          int  `json:"user_id"`
}

// NewEstadosRequest builds a full-state write body from the local mirror.
func NewEstadosRequest(st DeviceState, userID int) EstadosRequest {
	return EstadosRequest{
		EstadoLed1:      st.Led1,
		EstadoLed2:      st.Led2,
		EstadoLed3:      st.Led3,
		EstadoSensor:    st.Motor,
		EstadoObstaculo: st.ObstacleDetected,
		UserID:          userID,
	}
}

// HistoryEntry is one server-assigned record of the action history feed.
type HistoryEntry struct {
	ID        int    `json:"id"`
	UserID    int    `json:"usuario"`
	Action    string `json:"accion"`
	Timestamp string `json:"fechahora"`
}

// HistorialResponse is the envelope of GET /api/consultarHistorial.
type HistorialResponse struct {
	Historial []HistoryEntry `json:"historial"`
}

// HistorialRequest is the wire body of POST /api/insertarHistorial.
type HistorialRequest struct {
	UserID int    `json:"user_id"`
	Action string `json:"accion"`
}

// AuditEvent is the message published to RabbitMQ for every recorded action.
type AuditEvent struct {
	UserID    int       `json:"user_id"`
	Action    string    `json:"accion"`
	Timestamp time.Time `json:"fechahora"`
}

// Action strings match the backend's history records verbatim (Spanish,
// like the hardware panel they describe).

func LEDAction(led int, on bool) string {
	if on {
		return fmt.Sprintf("Encendido LED %d", led)
	}
	return fmt.Sprintf("Apagado LED %d", led)
}

func MotorAction(on bool) string {
	if on {
		return "Encendido Motor"
	}
	return "Apagado Motor"
}

func AllLEDsAction(on bool) string {
	if on {
		return "Encendidos Todos los LEDs"
	}
	return "Apagados Todos los LEDs"
}
