package lockredis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_PrefixesWithLockNamespace(t *testing.T) {
	l := &Lock{prefix: "gatewayd"}
	assert.Equal(t, "gatewayd:lock:chain:c1", l.key("chain:c1"))
}

func TestNew_InvalidRedisURLIsError(t *testing.T) {
	_, err := New("not-a-redis-url", "gatewayd")
	require.Error(t, err)
}
