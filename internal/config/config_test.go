package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Load_And_AdminEnabled(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("ADMIN_USERNAME", "admin")
	t.Setenv("ADMIN_PASSWORD_HASH", "$argon2id$v=19$...")
	t.Setenv("ADMIN_SESSION_SECRET", "abcd")
	t.Setenv("KAFKA_BROKERS", "broker-a:9092,broker-b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.AdminEnabled() {
		t.Fatalf("expected AdminEnabled true")
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("kafka brokers not parsed: %+v", cfg.KafkaBrokers)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true")
	}
	if cfg.IsProd() {
		t.Fatalf("expected IsProd false")
	}

	require.NoError(t, os.Unsetenv("ADMIN_USERNAME"))
	require.NoError(t, os.Unsetenv("ADMIN_PASSWORD_HASH"))
	require.NoError(t, os.Unsetenv("ADMIN_SESSION_SECRET"))
	cfg, err = Load()
	if err != nil {
		t.Fatalf("reload err: %v", err)
	}
	if cfg.AdminEnabled() {
		t.Fatalf("expected AdminEnabled false")
	}
}

func Test_GetPingBackoff_ShortensInTestEnv(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	require.NoError(t, err)

	b := cfg.GetPingBackoff()
	require.Less(t, b.InitialInterval.Milliseconds(), cfg.PingBackoffInitialInterval.Milliseconds())
}
