package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "forq_jobs", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "forq_work", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "forq_jobs.dead", cfg.RabbitMQ.DeadLetter.Exchange)
				assert.Equal(t, "forq_work.dead", cfg.RabbitMQ.DeadLetter.Queue)
				assert.Equal(t, 4, cfg.Worker.PoolSize)
				assert.Equal(t, 30*time.Second, cfg.Worker.ShutdownTimeout)
				assert.Equal(t, "forq-example", cfg.App.Name)
			}
		})
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	return cfg
}

func TestValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "negative pool size",
			mutate:    func(c *Config) { c.Worker.PoolSize = -1 },
			errString: "pool_size",
		},
		{
			name:      "missing shutdown timeout",
			mutate:    func(c *Config) { c.Worker.ShutdownTimeout = 0 },
			errString: "shutdown_timeout",
		},
		{
			name:      "missing rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 0 },
			errString: "rabbitmq port",
		},
		{
			name:      "missing exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "exchange name",
		},
		{
			name:      "missing queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "queue name",
		},
		{
			name:      "missing dead letter exchange",
			mutate:    func(c *Config) { c.RabbitMQ.DeadLetter.Exchange = "" },
			errString: "dead_letter exchange",
		},
		{
			name:      "missing dead letter queue",
			mutate:    func(c *Config) { c.RabbitMQ.DeadLetter.Queue = "" },
			errString: "dead_letter queue",
		},
		{
			name:      "database section present but incomplete",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

func TestValidateProducerConfig(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.ValidateProducerConfig())

	cfg.Server.Port = 0
	err := cfg.ValidateProducerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server port")
}

func TestBrokerConfigTopology(t *testing.T) {
	cfg := validConfig(t)

	broker := cfg.RabbitMQ.BrokerConfig()

	require.Len(t, broker.Exchanges, 2)
	assert.Equal(t, "forq_jobs", broker.Exchanges[0].Name)
	assert.Equal(t, "forq_jobs.dead", broker.Exchanges[1].Name)

	require.Len(t, broker.Queues, 2)

	work := broker.Queues[0]
	assert.Equal(t, "forq_work", work.Name)
	assert.Equal(t, "forq_jobs.dead", work.DeadLetterExchange)
	assert.Equal(t, 10, work.MaxPriority)
	require.Len(t, work.Bindings, 1)
	assert.Equal(t, "forq_jobs", work.Bindings[0].Exchange)
	assert.Equal(t, "work", work.Bindings[0].RoutingKey)

	dead := broker.Queues[1]
	assert.Equal(t, "forq_work.dead", dead.Name)
	require.Len(t, dead.Bindings, 1)
	assert.Equal(t, "forq_jobs.dead", dead.Bindings[0].Exchange)
}
