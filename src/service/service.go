package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orchestra-mcp/realtime/src/broker"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// ErrEmptyDestination is returned when publishing without a destination.
var ErrEmptyDestination = errors.New("destination is required")

// Service is the server-side publishing API over a broker hub.
type Service struct {
	hub    *broker.Hub
	logger zerolog.Logger
}

// New creates a service backed by the given hub.
func New(h *broker.Hub, logger zerolog.Logger) *Service {
	return &Service{hub: h, logger: logger.With().Str("component", "service").Logger()}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *broker.Hub { return s.hub }

// Publish JSON-encodes data and sends it to every subscriber of destination.
func (s *Service) Publish(destination string, data any) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", destination, err)
	}
	s.hub.Publish(destination, body, "application/json")
	s.logger.Debug().Str("destination", destination).Int("bytes", len(body)).Msg("published")
	return nil
}

// PublishText sends body unmodified as text/plain.
func (s *Service) PublishText(destination, body string) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	s.hub.Publish(destination, []byte(body), "text/plain")
	return nil
}

// OnConnection registers a callback for new connections.
func (s *Service) OnConnection(cb func(clientID string)) {
	s.hub.OnConnection(cb)
}

// OnDisconnection registers a callback for disconnections.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	s.hub.OnDisconnection(cb)
}

// GetConnectedClients returns IDs of all connected clients.
func (s *Service) GetConnectedClients() []string {
	return s.hub.ConnectedClients()
}

// GetDestinations returns active destinations with subscription counts.
func (s *Service) GetDestinations() map[string]int {
	return s.hub.Destinations()
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	info := s.hub.ClientInfo(clientID)
	if info == nil {
		return nil, fmt.Errorf("client %s not found", clientID)
	}
	return info, nil
}
