package logbridge

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"canopy/span"
	"canopy/trace"
)

func TestLogger_AppendsLogLineToCurrentSpan(t *testing.T) {
	ctx, root := trace.OpenSpan(context.Background(), "root")
	defer root.Close(nil)

	var buf bytes.Buffer
	base := zerolog.New(&buf)
	log := Logger(ctx, base)
	log.Info().Msg("hello")

	events := root.Events()
	require.Len(t, events, 1)
	require.Equal(t, span.LogLine, events[0].Kind)
	require.Equal(t, "hello", events[0].Text)
}

func TestLogger_NoCurrentSpanIsNoop(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	log := Logger(context.Background(), base)
	require.NotPanics(t, func() { log.Info().Msg("hello") })
	require.Contains(t, buf.String(), "hello")
}

func TestLogError_AttachesExceptErrorToCurrentSpan(t *testing.T) {
	ctx, root := trace.OpenSpan(context.Background(), "root")
	defer root.Close(nil)

	LogError(ctx, errors.New("caught"), "reported via logbridge")

	events := root.Events()
	require.Len(t, events, 2)
	require.Equal(t, span.ExceptError, events[0].Kind)
	require.Equal(t, "caught", events[0].Trace.Message)
}
