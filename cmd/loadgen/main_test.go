package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf).Info("starting load", slog.String("mode", "iso"), slog.Int("workers", 4))

	line := buf.String()
	require.Contains(t, line, "level=INFO")
	require.Contains(t, line, `msg="starting load"`)
	require.Contains(t, line, "mode=iso")
	require.Contains(t, line, "workers=4")
}

func TestPick(t *testing.T) {
	for _, w := range []string{"uniform", "hotspot"} {
		workload = w
		for i := 0; i < 200; i++ {
			a, b := pick(5)
			require.NotEqual(t, a, b)
			require.True(t, a >= 0 && a < 5)
			require.True(t, b >= 0 && b < 5)
		}
	}
}
