package pctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pachyderm/troverepo/src/internal/log"
)

func TestBackground(t *testing.T) {
	_, h := log.TestWithCapture(t)
	log.Info(Background("troved"), "hi")
	h.HasALog(t)
}

func TestChild(t *testing.T) {
	ctx, h := log.TestWithCapture(t)
	child := Child(Child(ctx, "http"), "commitJob", WithServerID())
	log.Info(child, "hi")
	logs := h.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, "http.commitJob", logs[0].Logger)
	require.NotEmpty(t, logs[0].Keys["server-id"])
}
