package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/flowreg/pkg/config"
)

func TestNewProductionLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info"})
	require.NoError(t, err)
	defer logger.Sync()

	assert.False(t, logger.Core().Enabled(-1), "debug must be off at info level")
}

func TestNewDevelopmentLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	defer logger.Sync()

	assert.True(t, logger.Core().Enabled(-1))
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
