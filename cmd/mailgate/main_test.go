package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailgate/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRootHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "SMTP admission gateway")
	assert.Contains(t, out, "serve")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Mailgate dev")
}

func TestConfigGenerateAndCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailgate.toml")

	out, err := execute(t, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = execute(t, "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK (0 quotas, store memory)")
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[session.data.limits]\nmessages = [{ if = \"bogus\", then = 1 }]\n"), 0o600))

	_, err := execute(t, "--config", path, "config", "check")
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.APIListen = "127.0.0.1:0"
	cfg.Store.Type = "bolt"
	cfg.Store.Path = filepath.Join(t.TempDir(), "queue.db")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() { done <- serve(ctx, cfg, logger) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}
