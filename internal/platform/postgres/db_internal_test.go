package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolConfig_MaxConns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cfg    PoolConfig
		parsed int32
		want   int32
	}{
		{name: "pgxpool default", cfg: PoolConfig{}, parsed: 4, want: 4},
		{name: "explicit size", cfg: PoolConfig{MaxConns: 10}, parsed: 4, want: 10},
		{name: "listeners fit", cfg: PoolConfig{Listeners: 2}, parsed: 4, want: 4},
		{name: "listeners fill the default", cfg: PoolConfig{Listeners: 4}, parsed: 4, want: 6},
		{name: "listeners exceed explicit size", cfg: PoolConfig{MaxConns: 3, Listeners: 8}, parsed: 4, want: 10},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, tc.cfg.maxConns(tc.parsed))
		})
	}
}
