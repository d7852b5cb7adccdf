package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"INT_OK":    "12",
		"INT_BAD":   "twelve",
		"DUR_GO":    "1500ms",
		"DUR_SECS":  "45",
		"BOOL_TRUE": "true",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 12, GetEnvInt("INT_OK", 3))
	assert.Equal(t, 3, GetEnvInt("INT_BAD", 3))
	assert.Equal(t, 3, GetEnvInt("INT_MISSING", 3))

	assert.Equal(t, 1500*time.Millisecond, GetEnvDuration("DUR_GO", time.Second))
	assert.Equal(t, 45*time.Second, GetEnvDuration("DUR_SECS", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("DUR_MISSING", time.Second))

	assert.True(t, GetEnvBool("BOOL_TRUE", false))
	assert.False(t, GetEnvBool("BOOL_MISSING", false))
}

func TestGetEnvFallsBackToProcessEnvironment(t *testing.T) {
	Env = map[string]string{}
	t.Setenv("CLUBPAY_TEST_VALUE", "from-os")

	assert.Equal(t, "from-os", GetEnv("CLUBPAY_TEST_VALUE", "default"))
	assert.Equal(t, "default", GetEnv("CLUBPAY_TEST_UNSET", "default"))
}
