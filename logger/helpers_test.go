package logger_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/go-mediator/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Reset()

	return cfg
}
