package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	req := require.New(t)
	req.Equal(zapcore.DebugLevel, parseLevel("DEBUG"))
	req.Equal(zapcore.WarnLevel, parseLevel("warning"))
	req.Equal(zapcore.ErrorLevel, parseLevel("error"))
	req.Equal(zapcore.InfoLevel, parseLevel("nonsense"))
}

func TestWithConnectionAddsFields(t *testing.T) {
	req := require.New(t)
	core, logs := observer.New(zapcore.InfoLevel)
	log := Wrap(zap.New(core)).WithConnection("c-1", "cust-1", "customer")

	log.Info("connection opened")

	entries := logs.All()
	req.Len(entries, 1)
	fields := entries[0].ContextMap()
	req.Equal("c-1", fields["conn_id"])
	req.Equal("cust-1", fields["subject_id"])
	req.Equal("customer", fields["role"])
}

func TestSetGlobal(t *testing.T) {
	req := require.New(t)
	prev := Global()
	req.NotNil(prev)
	t.Cleanup(func() { SetGlobal(prev) })

	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(Wrap(zap.New(core)))
	SetGlobal(nil)

	Global().Info("via global")
	req.Equal(1, logs.FilterMessage("via global").Len())
}
