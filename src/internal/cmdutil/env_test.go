package cmdutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type dbEnv struct {
	Host string `env:"DB_HOST,required"`
	Port int    `env:"DB_PORT,default=5432"`
}

type serverEnv struct {
	DB            dbEnv
	ServerNames   []string      `env:"SERVER_NAMES,default=localhost"`
	ReadOnly      bool          `env:"READ_ONLY,default=false"`
	DeadlockRetry uint8         `env:"DEADLOCK_RETRY,default=5"`
	CacheTimeout  time.Duration `env:"AUTH_CACHE_TIMEOUT,default=5m"`
	MaxUpload     Size          `env:"MAX_UPLOAD_SIZE,default=64MiB"`
}

func TestPopulate(t *testing.T) {
	t.Setenv("SERVER_NAMES", "a.example.com, b.example.com")
	var env serverEnv
	err := Populate(&env, MapDecoder{"DB_HOST": "db", "DEADLOCK_RETRY": "7"}, MapDecoder{"DB_HOST": "ignored"})
	require.NoError(t, err)
	require.Equal(t, "db", env.DB.Host)
	require.Equal(t, 5432, env.DB.Port)
	require.Equal(t, []string{"a.example.com", "b.example.com"}, env.ServerNames)
	require.Equal(t, uint8(7), env.DeadlockRetry)
	require.Equal(t, 5*time.Minute, env.CacheTimeout)
	require.Equal(t, Size(64<<20), env.MaxUpload)
}

func TestPopulateRequired(t *testing.T) {
	var env serverEnv
	err := Populate(&env)
	require.ErrorContains(t, err, envKeyNotSetWhenRequiredErr)
}

func TestPopulateEmptyUsesDefault(t *testing.T) {
	t.Setenv("SERVER_NAMES", "")
	t.Setenv("DEADLOCK_RETRY", "")
	var env serverEnv
	require.NoError(t, Populate(&env, MapDecoder{"DB_HOST": "db"}))
	require.Equal(t, []string{"localhost"}, env.ServerNames)
	require.Equal(t, uint8(5), env.DeadlockRetry)
}

func TestPopulateBadValue(t *testing.T) {
	var env serverEnv
	err := Populate(&env, MapDecoder{"DB_HOST": "db", "DB_PORT": "fivethousand"})
	require.ErrorContains(t, err, "DB_PORT")
	require.ErrorContains(t, err, cannotParseErr)
}

func TestPopulateNotPointer(t *testing.T) {
	require.ErrorContains(t, Populate(serverEnv{}), expectedPointerErr)
}
