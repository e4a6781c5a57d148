package server

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHarakiriFiresOnStuckRequest(t *testing.T) {
	h := newHarakiri(20*time.Millisecond, time.Second, nil, slog.Default())
	codes := make(chan int, 1)
	h.exit = func(code int) { codes <- code }

	disarm := h.Arm(42)
	defer disarm()

	select {
	case code := <-codes:
		require.Equal(t, ExitHarakiri, code)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestHarakiriDisarmedOnCompletion(t *testing.T) {
	h := newHarakiri(30*time.Millisecond, time.Second, nil, slog.Default())
	codes := make(chan int, 1)
	h.exit = func(code int) { codes <- code }

	disarm := h.Arm(42)
	disarm()

	select {
	case <-codes:
		t.Fatal("watchdog fired after disarm")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHarakiriGracePeriodDuringShutdown(t *testing.T) {
	h := newHarakiri(20*time.Millisecond, 150*time.Millisecond, func() bool { return true }, slog.Default())
	codes := make(chan int, 1)
	h.exit = func(code int) { codes <- code }

	disarm := h.Arm(42)
	defer disarm()

	// The fire is deferred by the grace period while shutdown is in
	// flight, then forced.
	select {
	case <-codes:
		t.Fatal("watchdog skipped the shutdown grace period")
	case <-time.After(80 * time.Millisecond):
	}
	select {
	case code := <-codes:
		require.Equal(t, ExitHarakiri, code)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never forced the exit")
	}
}

func TestHarakiriGracePeriodDisarmedByCompletion(t *testing.T) {
	h := newHarakiri(20*time.Millisecond, 300*time.Millisecond, func() bool { return true }, slog.Default())
	codes := make(chan int, 1)
	h.exit = func(code int) { codes <- code }

	disarm := h.Arm(42)
	// Let the timer fire into the grace wait, then finish the request.
	time.Sleep(80 * time.Millisecond)
	disarm()

	select {
	case <-codes:
		t.Fatal("request completed within the grace period, no exit expected")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestHarakiriDisabledByZeroTimeout(t *testing.T) {
	h := newHarakiri(0, time.Second, nil, slog.Default())
	require.Nil(t, h)
	// A nil watchdog still hands out a usable disarm func.
	disarm := h.Arm(1)
	disarm()
}

func TestHeartbeatFileLifecycle(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "hb-{pid}-{fid}")

	hb, err := newHeartbeat(template, 3)
	require.NoError(t, err)

	path := filepath.Join(dir, "hb-"+strconv.Itoa(os.Getpid())+"-3")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	epoch, err := strconv.ParseInt(string(raw), 10, 64)
	require.NoError(t, err)
	require.InDelta(t, time.Now().Unix(), epoch, 5)

	// Ticks inside the minimum interval are skipped.
	before := hb.last
	hb.Tick()
	require.Equal(t, before, hb.last)

	// An overdue tick refreshes the file.
	hb.last = time.Now().Add(-heartbeatMinInterval - time.Second)
	hb.Tick()
	require.True(t, hb.last.After(before.Add(-time.Second)))

	hb.Close()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestHeartbeatDisabledByEmptyTemplate(t *testing.T) {
	hb, err := newHeartbeat("", 0)
	require.NoError(t, err)
	require.Nil(t, hb)
	hb.Tick()
	hb.Close()
}

func TestPruneCrashesKeepsOnlyRecentOnes(t *testing.T) {
	now := time.Now()
	crashes := []time.Time{
		now.Add(-2 * time.Minute),
		now.Add(-59 * time.Second),
		now.Add(-5 * time.Second),
	}
	kept := pruneCrashes(crashes, now)
	require.Len(t, kept, 2)
}

func TestOverCrashBudget(t *testing.T) {
	now := time.Now()

	burst := []time.Time{
		now.Add(-10 * time.Second), now.Add(-8 * time.Second),
		now.Add(-4 * time.Second), now.Add(-1 * time.Second),
	}
	require.True(t, overCrashBudget(burst, now), "four crashes in fifteen seconds is a crash loop")

	spread := []time.Time{
		now.Add(-50 * time.Second), now.Add(-40 * time.Second),
		now.Add(-30 * time.Second), now.Add(-5 * time.Second),
	}
	require.False(t, overCrashBudget(spread, now))

	many := make([]time.Time, crashWindowLongLimit+1)
	for i := range many {
		many[i] = now.Add(-time.Duration(20+i) * time.Second)
	}
	require.True(t, overCrashBudget(many, now), "nine crashes in a minute is a crash loop")
}

func TestParseFlags(t *testing.T) {
	opts, err := ParseFlags("test", []string{
		"-settings", "/etc/soa.yaml",
		"-fork", "4",
		"-no-respawn",
		"-use-file-watcher", "a.yaml, b.yaml ,",
		"-metrics-addr", ":9100",
	})
	require.NoError(t, err)
	require.Equal(t, "/etc/soa.yaml", opts.SettingsPath)
	require.Equal(t, 4, opts.Fork)
	require.True(t, opts.NoRespawn)
	require.Equal(t, []string{"a.yaml", "b.yaml"}, opts.WatchPaths)
	require.Equal(t, ":9100", opts.MetricsAddr)
}

func TestParseFlagsDefaultsAndValidation(t *testing.T) {
	t.Setenv(EnvSettings, "/from/env.yaml")
	opts, err := ParseFlags("test", nil)
	require.NoError(t, err)
	require.Equal(t, "/from/env.yaml", opts.SettingsPath)
	require.Equal(t, 1, opts.Fork)
	require.Empty(t, opts.WatchPaths)

	_, err = ParseFlags("test", []string{"-fork", "0"})
	require.Error(t, err)
}

func TestWatchPathsDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	changes, closeWatcher, err := watchPaths([]string{dir}, slog.Default())
	require.NoError(t, err)
	defer closeWatcher()

	// A burst of writes must coalesce into one notification.
	target := filepath.Join(dir, "settings.yaml")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(target, []byte(strconv.Itoa(i)), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case path := <-changes:
		require.Equal(t, target, path)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification arrived")
	}

	select {
	case <-changes:
		t.Fatal("burst was not debounced into a single notification")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchPathsIgnoresDotFiles(t *testing.T) {
	dir := t.TempDir()
	changes, closeWatcher, err := watchPaths([]string{dir}, slog.Default())
	require.NoError(t, err)
	defer closeWatcher()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".swapfile"), []byte("x"), 0o644))

	select {
	case path := <-changes:
		t.Fatalf("dot-file change %q should be ignored", path)
	case <-time.After(1500 * time.Millisecond):
	}
}
