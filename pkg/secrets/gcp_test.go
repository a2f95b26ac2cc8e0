package secrets

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSource map[string]string

func (m mapSource) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestMasterKey(t *testing.T) {
	src := mapSource{"vault-key": "  passphrase\n", "blank": "   "}

	key, err := MasterKey(context.Background(), src, "vault-key")
	require.NoError(t, err)
	assert.Equal(t, "passphrase", key)

	_, err = MasterKey(context.Background(), src, "blank")
	assert.Error(t, err)

	_, err = MasterKey(context.Background(), src, "missing")
	assert.Error(t, err)

	_, err = MasterKey(context.Background(), src, "")
	assert.Error(t, err)
}

func TestWithDefault(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	src := mapSource{"jwt": " signing-key\n", "blank": " "}

	assert.Equal(t, "signing-key", WithDefault(context.Background(), src, logger, "jwt", "fallback"))
	assert.Equal(t, "fallback", WithDefault(context.Background(), src, logger, "blank", "fallback"))
	assert.Equal(t, "fallback", WithDefault(context.Background(), src, logger, "missing", "fallback"))
}
