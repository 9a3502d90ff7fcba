// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api exposes device administration and message sending over
// HTTP for operators and platform services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/devlink/broker"
	"github.com/absmach/devlink/core"
	"github.com/absmach/devlink/registry"
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides the HTTP administration API.
type Server struct {
	config     Config
	hub        *broker.Hub
	registry   registry.Registry
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new API server.
func New(cfg Config, hub *broker.Hub, reg registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		hub:      hub,
		registry: reg,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /devices", s.handleRegister)
	mux.HandleFunc("DELETE /devices/{id}", s.handleUnregister)
	mux.HandleFunc("GET /devices/{id}/state", s.handleState)
	mux.HandleFunc("POST /devices/{id}/messages", s.handleSend)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// Listen starts the API server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting API server", slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var derr *core.DeviceError
	if errors.As(err, &derr) {
		resp.Code = string(derr.Code)
	}
	writeJSON(w, status, resp)
}

type registerRequest struct {
	ID              string `json:"id"`
	ProductID       string `json:"productId,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
	ParentGatewayID string `json:"parentGatewayId,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	device, err := s.registry.Register(r.Context(), registry.DeviceInfo{
		ID:              req.ID,
		ProductID:       req.ProductID,
		Protocol:        req.Protocol,
		ParentGatewayID: req.ParentGatewayID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": device.ID()})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Device(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	state, err := device.CheckState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    device.ID(),
		"state": state.String(),
	})
}

// handleSend decodes the request body as message fields, sends the
// message to the device and returns all collected replies. Devices that
// answer in fragments produce more than one entry.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fields["deviceId"] = deviceID
	if id, _ := fields["messageId"].(string); id == "" {
		fields["messageId"] = uuid.NewString()
	}
	if _, ok := fields["timestamp"]; !ok {
		fields["timestamp"] = time.Now().UnixMilli()
	}
	msg, err := core.MessageFromFields(fields)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sender, err := s.hub.Sender(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, registry.ErrDeviceNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var replies []map[string]any
	for result := range sender.Send(r.Context(), msg) {
		if result.Err != nil {
			status := http.StatusBadGateway
			code, _ := core.CodeOf(result.Err)
			switch code {
			case core.CodeClientOffline:
				status = http.StatusConflict
			case core.CodeTimeout:
				status = http.StatusGatewayTimeout
			}
			writeError(w, status, result.Err)
			return
		}
		replies = append(replies, core.MessageToFields(result.Reply))
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}
