package driver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/taskrelay/internal/broker/amqp"
	"github.com/phrazzld/taskrelay/internal/broker/memory"
	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      config.BrokerConfig
		wantType interface{}
		wantErr  error
	}{
		{
			name:     "amqp connects lazily",
			cfg:      config.BrokerConfig{Driver: AMQP, Host: "rabbitmq", Port: 5672, User: "admin", Password: "admin"},
			wantType: &amqp.Broker{},
		},
		{
			name:     "memory",
			cfg:      config.BrokerConfig{Driver: Memory},
			wantType: &memory.Broker{},
		},
		{
			name:    "postgres with a bad url",
			cfg:     config.BrokerConfig{Driver: Postgres, URL: "postgres://%zz"},
			wantErr: task.ErrBrokerUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened, err := Open(context.Background(), tt.cfg, Options{ClientName: "test"}, discardLogger())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer opened.Close()
			assert.IsType(t, tt.wantType, opened.Broker)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.BrokerConfig{Driver: "kafka"}, Options{ClientName: "test"}, discardLogger())
	assert.ErrorContains(t, err, `unknown broker driver "kafka"`)
}
