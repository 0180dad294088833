package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mudbot/registry"
	"mudbot/transcript"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "mudbot.yaml")
	text := fmt.Sprintf("registry:\n  path: %s\n", filepath.Join(dir, "registry")) + body
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func executeCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestBotCommandsManageRegistry(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "")

	out, errOut, code := executeCLI(t, "pw\n", "--config", cfg, "bot", "add", "bot1", "--host", "mud.example.org", "--port", "4000")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Registered bot1 (mud.example.org:4000 as bot1)")

	_, errOut, code = executeCLI(t, "", "--config", cfg, "bot", "add", "bot1", "--host", "other", "--secret", "x")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "already exists")

	out, _, code = executeCLI(t, "", "--config", cfg, "bot", "list")
	require.Equal(t, 0, code)
	require.Contains(t, out, "mud.example.org:4000")
	require.Contains(t, out, "1 bot(s)")

	out, _, code = executeCLI(t, "", "--config", cfg, "bot", "show", "bot1")
	require.Equal(t, 0, code)
	require.Contains(t, out, "Secret:  ********")
	require.NotContains(t, out, "pw")

	_, errOut, code = executeCLI(t, "", "--config", cfg, "bot", "show", "bot2")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "did you mean bot1?")

	out, _, code = executeCLI(t, "", "--config", cfg, "bot", "remove", "bot1")
	require.Equal(t, 0, code)
	require.Contains(t, out, "Removed bot1")

	out, _, code = executeCLI(t, "", "--config", cfg, "bot", "list")
	require.Equal(t, 0, code)
	require.Contains(t, out, "0 bot(s)")
}

func TestBotAddRejectsInvalidIdentity(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "")
	_, errOut, code := executeCLI(t, "", "--config", cfg, "bot", "add", "bad name", "--host", "h", "--secret", "x")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "invalid identity")

	_, errOut, code = executeCLI(t, "", "--config", cfg, "bot", "add", "bot1")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "host")
}

func TestBotShowTailsTranscript(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "transcript.db")
	cfg := writeConfig(t, dir, fmt.Sprintf("transcript:\n  sqlite:\n    enabled: true\n    path: %s\n", dbPath))

	store, err := transcript.OpenSQLite(dbPath, 0)
	require.NoError(t, err)
	at := time.Now().Add(-time.Hour)
	for i, line := range []string{"first", "second", "third"} {
		require.NoError(t, store.Append(context.Background(), transcript.Entry{
			Bot: "bot1", Session: "s1", Seq: uint64(i + 1), Line: []byte(line), At: at,
		}))
	}
	require.NoError(t, store.Close())

	_, errOut, code := executeCLI(t, "", "--config", cfg, "bot", "add", "bot1", "--host", "h", "--secret", "pw")
	require.Equal(t, 0, code, errOut)

	out, errOut, code := executeCLI(t, "", "--config", cfg, "bot", "show", "bot1", "--tail", "2")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Last 2 line(s)")
	require.Contains(t, out, "third")
	require.NotContains(t, out, "first")
	require.Less(t, strings.Index(out, "second"), strings.Index(out, "third"))
	require.Contains(t, out, "1 hour ago")
}

func TestConfigCommandPrintsSummary(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "retry:\n  max_attempts: -1\n")
	out, errOut, code := executeCLI(t, "", "--config", cfg, "config")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Loaded from "+cfg)
	require.Contains(t, out, "attempts=unlimited")

	_, errOut, code = executeCLI(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "config")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "failed to read config")
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(envConfigPath, "")
	var stderr bytes.Buffer
	cfg, err := loadConfig("", &stderr)
	require.NoError(t, err)
	require.Empty(t, cfg.LoadedFrom)
	require.Contains(t, stderr.String(), "using defaults")

	path := writeConfig(t, t.TempDir(), "")
	t.Setenv(envConfigPath, path)
	cfg, err = loadConfig("", &stderr)
	require.NoError(t, err)
	require.Equal(t, path, cfg.LoadedFrom)
}

func TestSelectBotsSuggestsNames(t *testing.T) {
	ids := []registry.Identity{{Name: "alpha"}, {Name: "bravo"}, {Name: "charlie"}}

	all, err := selectBots(ids, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	picked, err := selectBots(ids, []string{"charlie", "alpha"})
	require.NoError(t, err)
	require.Equal(t, []string{"charlie", "alpha"}, identityNames(picked))

	picked, err = selectBots(ids, []string{"bravo", "alpah"})
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.Contains(t, err.Error(), "did you mean alpha?")
	require.Equal(t, []string{"bravo"}, identityNames(picked))
}

// fakeMUD greets the bot, waits for its login line, then drops it.
func fakeMUD(t *testing.T) (int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	logins := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Write([]byte("Welcome to the test MUD\r\n"))
		line, _ := bufio.NewReader(c).ReadString('\n')
		logins <- line
	}()
	return ln.Addr().(*net.TCPAddr).Port, logins
}

func TestRunRecordsTranscriptAndReportsFailure(t *testing.T) {
	port, logins := fakeMUD(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir, fmt.Sprintf(`bots:
  - name: bot1
    host: 127.0.0.1
    port: %d
    secret: pw
retry:
  max_attempts: 0
transcript:
  dir: %s
metrics:
  status_interval_seconds: 0
`, port, filepath.Join(dir, "transcripts")))

	out, errOut, code := executeCLI(t, "", "--config", cfg, "run", "--ephemeral")
	require.Equal(t, 1, code, errOut)
	require.Equal(t, "connect bot1 pw\r\n", <-logins)
	require.Contains(t, out, "Starting 1 bot(s): bot1")
	require.Contains(t, out, "bot1: failed after 1 attempt(s)")

	files, err := filepath.Glob(filepath.Join(dir, "transcripts", "bot1", "*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Contains(t, string(data), "#1 Welcome to the test MUD")
}

func TestRunRejectsUnknownBot(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "bots:\n  - name: bot1\n    host: h\n    port: 23\n")
	_, errOut, code := executeCLI(t, "", "--config", cfg, "run", "--ephemeral", "--bot", "bot2")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "did you mean bot1?")

	empty := writeConfig(t, t.TempDir(), "")
	_, errOut, code = executeCLI(t, "", "--config", empty, "run", "--ephemeral")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "no bots registered")
}
