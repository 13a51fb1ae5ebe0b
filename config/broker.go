package config

import "time"

// BrokerConfig holds configuration for the development STOMP broker.
type BrokerConfig struct {
	Addr            string        `json:"addr"`
	Endpoint        string        `json:"endpoint"`
	MaxConnections  int           `json:"max_connections"`
	HeartbeatSend   time.Duration `json:"heartbeat_send"`
	HeartbeatRecv   time.Duration `json:"heartbeat_recv"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ReadBufferSize  int           `json:"read_buffer_size"`
	WriteBufferSize int           `json:"write_buffer_size"`
}

// DefaultBrokerConfig returns the default broker configuration.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Addr:            ":8080",
		Endpoint:        "/ws",
		MaxConnections:  1000,
		HeartbeatSend:   10 * time.Second,
		HeartbeatRecv:   10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}
