package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvOrElse(t *testing.T) {
	t.Setenv("DROPBIT_TEST_STRING", "")
	assert.Equal(t, "fallback", GetEnvOrElse("DROPBIT_TEST_STRING", "fallback"))

	t.Setenv("DROPBIT_TEST_STRING", "set")
	assert.Equal(t, "set", GetEnvOrElse("DROPBIT_TEST_STRING", "fallback"))
}

func TestGetEnvAsIntOrElse(t *testing.T) {
	t.Setenv("DROPBIT_TEST_INT", "")
	port, err := GetEnvAsIntOrElse("DROPBIT_TEST_INT", 5432)
	require.NoError(t, err)
	assert.Equal(t, 5432, port)

	t.Setenv("DROPBIT_TEST_INT", "6543")
	port, err = GetEnvAsIntOrElse("DROPBIT_TEST_INT", 5432)
	require.NoError(t, err)
	assert.Equal(t, 6543, port)

	t.Setenv("DROPBIT_TEST_INT", "sixty")
	_, err = GetEnvAsIntOrElse("DROPBIT_TEST_INT", 5432)
	assert.Error(t, err)
}

func TestGetEnvAsBoolOrElse(t *testing.T) {
	t.Setenv("DROPBIT_TEST_BOOL", "true")
	set, err := GetEnvAsBoolOrElse("DROPBIT_TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, set)

	t.Setenv("DROPBIT_TEST_BOOL", "maybe")
	_, err = GetEnvAsBoolOrElse("DROPBIT_TEST_BOOL", false)
	assert.Error(t, err)
}

func TestGetEnvAsDurationOrElse(t *testing.T) {
	t.Setenv("DROPBIT_TEST_DURATION", "")
	d, err := GetEnvAsDurationOrElse("DROPBIT_TEST_DURATION", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	t.Setenv("DROPBIT_TEST_DURATION", "90s")
	d, err = GetEnvAsDurationOrElse("DROPBIT_TEST_DURATION", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}
