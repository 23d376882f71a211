package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/caarlos0/env/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithOptions(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "public", cfg.Schema)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 4, cfg.ProvisionWorkers)
	assert.Equal(t, 4, cfg.StorageWorkers)
	assert.False(t, cfg.Source.Storage.Configured())
}

func TestLoadPrefixedEnvironments(t *testing.T) {
	cfg, err := LoadWithOptions(env.Options{Environment: map[string]string{
		"SOURCE_URL":                       "postgres://prod.example.com:5432/postgres",
		"SOURCE_SERVICE_KEY":               "prod-key",
		"SOURCE_STORAGE_ENDPOINT":          "https://prod.example.com/storage/v1/s3",
		"SOURCE_STORAGE_ACCESS_KEY_ID":     "AK",
		"SOURCE_STORAGE_SECRET_ACCESS_KEY": "SK",
		"TARGET_URL":                       "postgres://dev.example.com:5432/postgres",
		"TARGET_SERVICE_KEY":               "dev-key",
		"SYNC_BATCH_SIZE":                  "250",
	}})
	require.NoError(t, err)

	assert.Equal(t, "prod-key", cfg.Source.ServiceKey)
	assert.Equal(t, "dev-key", cfg.Target.ServiceKey)
	assert.Equal(t, "AK", cfg.Source.Storage.AccessKeyID)
	assert.True(t, cfg.Source.Storage.Configured())
	assert.False(t, cfg.Target.Storage.Configured())
	assert.Equal(t, 250, cfg.BatchSize)
}

func TestStorageConfiguredWithoutEndpoint(t *testing.T) {
	assert.True(t, StorageCredentials{AccessKeyID: "AKIA", SecretAccessKey: "secret", Region: "eu-west-1"}.Configured())
	assert.True(t, StorageCredentials{AccessKeyID: "AKIA", SecretAccessKey: "secret"}.Configured())
	assert.True(t, StorageCredentials{Region: "eu-west-1"}.Configured())
	assert.True(t, StorageCredentials{Endpoint: "http://localhost:9000"}.Configured())
	assert.False(t, StorageCredentials{AccessKeyID: "AKIA"}.Configured())
	assert.False(t, StorageCredentials{}.Configured())
}

func TestLoadRejectsBadTunables(t *testing.T) {
	_, err := LoadWithOptions(env.Options{Environment: map[string]string{"SYNC_BATCH_SIZE": "0"}})
	assert.Error(t, err)

	_, err = LoadWithOptions(env.Options{Environment: map[string]string{"SYNC_STORAGE_WORKERS": "nope"}})
	assert.Error(t, err)
}

func TestLoadDotEnvOverlays(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ENVSYNC_TEST_VALUE=from-file\n"), 0o600))
	t.Setenv("ENVSYNC_TEST_VALUE", "from-env")

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("ENVSYNC_TEST_VALUE"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadAWSConfigExplicitCredentials(t *testing.T) {
	creds := StorageCredentials{Endpoint: "http://localhost:9000", AccessKeyID: "AK", SecretAccessKey: "SK"}
	cfg, err := LoadAWSConfig(context.Background(), creds)
	require.NoError(t, err)

	got, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AK", got.AccessKeyID)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, "explicit", CredentialsSource(creds))
}

func TestLoadAWSConfigFromEnvironment(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "ENVAK")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "ENVSK")
	t.Setenv("AWS_REGION", "eu-west-1")

	cfg, err := LoadAWSConfig(context.Background(), StorageCredentials{Endpoint: "http://localhost:9000"})
	require.NoError(t, err)

	got, err := cfg.Credentials.Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ENVAK", got.AccessKeyID)
	assert.Equal(t, "eu-west-1", cfg.Region)
}
