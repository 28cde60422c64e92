package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mbocsi/goremote/services"
)

const maxConnectWait = 30 * time.Second

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) HandleStatus(wr http.ResponseWriter, r *http.Request) {
	writeJSON(wr, http.StatusOK, s.services.Connection.Status())
}

// HandleDiscover runs a discovery scan; the request blocks for the scan window.
func (s *Server) HandleDiscover(wr http.ResponseWriter, r *http.Request) {
	devices, err := s.services.Device.DiscoverDevices(r.Context())
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) HandleKnownDevices(wr http.ResponseWriter, r *http.Request) {
	devices := s.services.Device.KnownDevices()
	writeJSON(wr, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) HandleCurrentDevice(wr http.ResponseWriter, r *http.Request) {
	device, err := s.services.Device.CurrentDevice()
	if err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusOK, device)
}

func (s *Server) HandleConnect(wr http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
		Port    int    `json:"port"`
		WaitMS  int    `json:"wait_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleError(wr, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid JSON body", Cause: err})
		return
	}

	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait > maxConnectWait {
		wait = maxConnectWait
	}
	res, err := s.services.Connection.Connect(r.Context(), services.ConnectRequest{
		Name:    req.Name,
		Address: req.Address,
		Port:    req.Port,
		Wait:    wait,
	})
	if err != nil {
		s.handleError(wr, err)
		return
	}

	status := http.StatusAccepted
	if res.AlreadyConnected || res.Device.Connected {
		status = http.StatusOK
	}
	writeJSON(wr, status, res)
}

func (s *Server) HandleReconnect(wr http.ResponseWriter, r *http.Request) {
	if err := s.services.Connection.Reconnect(); err != nil {
		s.handleError(wr, err)
		return
	}
	writeJSON(wr, http.StatusAccepted, s.services.Connection.Status())
}

func (s *Server) HandleCancel(wr http.ResponseWriter, r *http.Request) {
	s.services.Connection.Cancel()
	writeJSON(wr, http.StatusOK, s.services.Connection.Status())
}

func (s *Server) HandleDisconnect(wr http.ResponseWriter, r *http.Request) {
	s.services.Connection.Disconnect()
	writeJSON(wr, http.StatusOK, s.services.Connection.Status())
}

func (s *Server) HandleSendCommand(wr http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleError(wr, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid JSON body", Cause: err})
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	if err := s.services.Messaging.SendCommand(req.Topic, payload); err != nil {
		s.handleError(wr, err)
		return
	}

	wr.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(wr, "Command sent to %s", req.Topic)
}

func (s *Server) HandleRecentEvents(wr http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			s.handleError(wr, services.ServiceError{Code: services.ErrCodeInvalidInput, Message: "Invalid limit: " + v})
			return
		}
		n = parsed
	}
	writeJSON(wr, http.StatusOK, s.services.Events.Recent(n))
}

// HandleEventStream streams connection events as Server-Sent Events
func (s *Server) HandleEventStream(wr http.ResponseWriter, r *http.Request) {
	flusher, ok := wr.(http.Flusher)
	if !ok {
		s.logger.Error("Streaming unsupported")
		http.Error(wr, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	wr.Header().Set("Content-Type", "text/event-stream")
	wr.Header().Set("Cache-Control", "no-cache")
	wr.Header().Set("Connection", "keep-alive")
	wr.Header().Set("Access-Control-Allow-Origin", "*")

	events, stop := s.services.Events.Subscribe()
	defer stop()

	status, _ := json.Marshal(s.services.Connection.Status())
	fmt.Fprintf(wr, "event: status\ndata: %s\n\n", status)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("Failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(wr, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}

// handleError handles service errors with proper HTTP status codes
func (s *Server) handleError(wr http.ResponseWriter, err error) {
	var serviceErr services.ServiceError
	if !errors.As(err, &serviceErr) {
		s.logger.Error("Service error", "error", err)
		writeJSON(wr, http.StatusInternalServerError, errorResponse{Code: services.ErrCodeInternal, Message: "Internal server error"})
		return
	}

	status := http.StatusInternalServerError
	switch serviceErr.Code {
	case services.ErrCodeNotFound:
		status = http.StatusNotFound
	case services.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case services.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case services.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	case services.ErrCodeConflict:
		status = http.StatusConflict
	case services.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Service error", "error", err)
	} else {
		s.logger.Debug("Request rejected", "code", serviceErr.Code, "error", err)
	}
	writeJSON(wr, status, errorResponse{Code: serviceErr.Code, Message: serviceErr.Message})
}

func writeJSON(wr http.ResponseWriter, status int, v any) {
	wr.Header().Set("Content-Type", "application/json")
	wr.WriteHeader(status)
	_ = json.NewEncoder(wr).Encode(v)
}
