package transcript

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, time.October, 14, 10, 0, 0, 0, time.UTC)

func entry(bot string, seq uint64, line string, at time.Time) Entry {
	return Entry{Bot: bot, Session: "abcdefgh-1234", Seq: seq, Line: []byte(line), At: at}
}

func TestDailyFileWritesPerBotAndRotates(t *testing.T) {
	root := t.TempDir()
	d, err := NewDailyFile(root, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	ctx := context.Background()

	require.NoError(t, d.Append(ctx, entry("bot1", 1, "Welcome", day)))
	prompt := entry("bot1", 2, "Name:", day.Add(time.Second))
	prompt.Prompt = true
	require.NoError(t, d.Append(ctx, prompt))
	require.NoError(t, d.Append(ctx, entry("bot2", 1, "Hello", day)))

	data, err := os.ReadFile(filepath.Join(root, "bot1", "14-Oct-2026.log"))
	require.NoError(t, err)
	require.Equal(t,
		"2026/10/14 10:00:00 abcdefgh #1 Welcome\n2026/10/14 10:00:01 abcdefgh #2 > Name:\n",
		string(data))
	require.FileExists(t, filepath.Join(root, "bot2", "14-Oct-2026.log"))

	require.NoError(t, d.Append(ctx, entry("bot1", 3, "tomorrow", day.Add(24*time.Hour))))
	require.NoError(t, d.Append(ctx, entry("bot1", 4, "later", day.Add(48*time.Hour))))

	names := listDir(t, filepath.Join(root, "bot1"))
	require.Equal(t, []string{"15-Oct-2026.log", "16-Oct-2026.log"}, names)
}

func TestRotatingFilePrunesAtOpen(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "01-Jan-2020.log")
	require.NoError(t, os.WriteFile(stale, []byte("old\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o644))

	f, err := NewRotatingFile(dir, 7)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.NoFileExists(t, stale)
	require.FileExists(t, filepath.Join(dir, "notes.txt"))
	require.Empty(t, f.Path())

	now := time.Now().UTC()
	require.NoError(t, f.WriteLine("hello", now))
	require.Equal(t, filepath.Join(dir, fileNameForDate(now)), f.Path())
}

func TestDailyFileRejectsEmptyRoot(t *testing.T) {
	_, err := NewDailyFile("  ", 1)
	require.Error(t, err)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSQLiteStoreAppendRecentPrune(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "transcript.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, entry("bot1", 1, "old", day.Add(-2*time.Hour))))
	require.NoError(t, s.Append(ctx, entry("bot1", 2, "new", day)))
	require.NoError(t, s.Append(ctx, entry("bot2", 1, "other", day)))
	bin := entry("bot1", 3, "\xff\x00raw", day)
	bin.Prompt = true
	require.NoError(t, s.Append(ctx, bin))

	got, err := s.Recent(ctx, "bot1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "old", string(got[0].Line))
	require.Equal(t, []byte("\xff\x00raw"), got[2].Line)
	require.True(t, got[2].Prompt)
	require.Equal(t, uint64(3), got[2].Seq)
	require.True(t, got[1].At.Equal(day))

	var digest int64
	require.NoError(t, s.db.QueryRow(`select digest from session_lines where bot = 'bot2'`).Scan(&digest))
	require.Equal(t, Digest([]byte("other")), digest)

	removed, err := s.Prune(ctx, day)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
	got, err = s.Recent(ctx, "bot1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(3), got[0].Seq)
}

type fakeToken struct {
	err  error
	hang bool
}

func (t *fakeToken) Wait() bool                       { return !t.hang }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return !t.hang }
func (t *fakeToken) Error() error                     { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.hang {
		close(ch)
	}
	return ch
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	bodies []string
	token  *fakeToken
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, string(payload.([]byte)))
	return p.token
}

func TestMQTTRelayPublishesPerBotTopic(t *testing.T) {
	pub := &fakePublisher{token: &fakeToken{}}
	relay := newMQTTRelay(pub, MQTTConfig{TopicPrefix: "muds/"})

	require.NoError(t, relay.Append(context.Background(), entry("bot1", 7, "You see a cat.", day)))
	require.Equal(t, []string{"muds/bot1"}, pub.topics)
	require.JSONEq(t,
		`{"bot":"bot1","session":"abcdefgh-1234","seq":7,"line":"You see a cat.","at":"2026-10-14T10:00:00Z"}`,
		pub.bodies[0])

	pub.token = &fakeToken{err: errors.New("not connected")}
	err := relay.Append(context.Background(), entry("bot1", 8, "x", day))
	require.ErrorContains(t, err, "not connected")

	pub.token = &fakeToken{hang: true}
	err = relay.Append(context.Background(), entry("bot1", 9, "x", day))
	require.ErrorContains(t, err, "timed out")
	require.NoError(t, relay.Close())
}

func TestFanoutJoinsErrors(t *testing.T) {
	var got []string
	ok := SinkFunc(func(_ context.Context, e Entry) error {
		got = append(got, string(e.Line))
		return nil
	})
	bad := SinkFunc(func(context.Context, Entry) error { return errors.New("disk full") })
	f := Fanout{bad, nil, ok, Discard}

	err := f.Append(context.Background(), entry("bot1", 1, "line", day))
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, []string{"line"}, got)
	require.NoError(t, f.Close())
	require.True(t, strings.HasPrefix(formatEntry(entry("b", 1, "x", day)), "abcdefgh #1 x"))
}
