package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()
	cfg := Load("CORE")
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.False(t, cfg.Production())
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := &Config{Environment: EnvDevelopment, SecretKey: "short"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECRET_KEY")
}

func TestValidateRejectsDevTogglesInProduction(t *testing.T) {
	cfg := &Config{
		Environment:       EnvProduction,
		SecretKey:         "a-very-long-and-sufficiently-random-secret-key",
		DevSkipEncryption: true,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev-mode bypass")
}

func TestValidatePassesForSaneProductionConfig(t *testing.T) {
	cfg := &Config{
		Environment: EnvProduction,
		SecretKey:   "a-very-long-and-sufficiently-random-secret-key",
	}
	assert.NoError(t, cfg.Validate())
}
