package logs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithFileSink(t *testing.T) {
	logger, err := New(Config{
		Level:    "debug",
		Filename: filepath.Join(t.TempDir(), "unichat.log"),
		MaxSize:  1,
	})
	require.NoError(t, err)

	logger.Info("hello")
	logger.Debug("debug line")
	_ = logger.Sync()
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestMaskEmailIsStableAndShort(t *testing.T) {
	a := MaskEmail("Student@Example.edu")
	b := MaskEmail(" student@example.edu ")
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
	assert.NotContains(t, a, "example")
}
