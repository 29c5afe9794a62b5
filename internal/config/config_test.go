package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseFlags() Flags {
	return Flags{
		BrokerAddress:     "127.0.0.1:6379",
		SessionKey:        "a-session-key-long-enough",
		HeartbeatInterval: DefaultHeartbeatSecs,
		ConnectionTimeout: DefaultConnTimeout,
		LogLevel:          "info",
	}
}

func TestLoad_DerivesWorkerIdentifiersWhenAbsent(t *testing.T) {
	cfg, err := Load(baseFlags())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cfg.WorkerID, "agw-"))
	assert.True(t, strings.HasPrefix(cfg.WorkerName, "worker-"))
}

func TestLoad_RespectsExplicitWorkerIdentifiers(t *testing.T) {
	f := baseFlags()
	f.WorkerID = "worker-123"
	f.WorkerName = "my-worker"

	cfg, err := Load(f)
	require.NoError(t, err)
	assert.Equal(t, "worker-123", cfg.WorkerID)
	assert.Equal(t, "my-worker", cfg.WorkerName)
}

func TestLoad_ParsesCommaSeparatedTools(t *testing.T) {
	f := baseFlags()
	f.Tools = "sort, grep ,agx-ocr"

	cfg, err := Load(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"sort", "grep", "agx-ocr"}, cfg.Tools)
}

func TestSessionKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"exactly 8 chars accepted", "12345678", false},
		{"7 chars rejected", "1234567", true},
		{"empty rejected", "", true},
		{"path traversal rejected", "../../../etc/passwd", true},
		{"shell metacharacter rejected", "sessi0n;rm-rf", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSessionKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkerIdentifierValidation(t *testing.T) {
	exactly64 := strings.Repeat("a", 64)
	over64 := strings.Repeat("a", 65)

	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"exactly 64 chars accepted", exactly64, false},
		{"65 chars rejected", over64, true},
		{"empty rejected", "", true},
		{"alphanumeric-dash-underscore accepted", "worker-1_a", false},
		{"space rejected", "worker 1", true},
		{"colon rejected", "worker:1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateWorkerIdentifier(tt.id, "worker ID")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_BrokerAddressMustContainColon(t *testing.T) {
	f := baseFlags()
	f.BrokerAddress = "no-port-here"

	_, err := Load(f)
	assert.Error(t, err)
}

func TestValidate_HeartbeatIntervalMustBePositive(t *testing.T) {
	f := baseFlags()
	f.HeartbeatInterval = 0

	_, err := Load(f)
	assert.Error(t, err)
}

func TestValidate_ConnectionTimeoutMustBePositive(t *testing.T) {
	f := baseFlags()
	f.ConnectionTimeout = 0

	_, err := Load(f)
	assert.Error(t, err, "a zero connection timeout must fail fast at startup rather than flow into context.WithTimeout(ctx, 0)")
}

func TestParseUintOrDefault(t *testing.T) {
	assert.Equal(t, uint64(30), ParseUintOrDefault("", 30))
	assert.Equal(t, uint64(30), ParseUintOrDefault("not-a-number", 30))
	assert.Equal(t, uint64(45), ParseUintOrDefault("45", 30))
}
