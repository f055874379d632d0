package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"p2pshare/internal/domain"
)

type fakeClient struct {
	mu       sync.Mutex
	tasks    map[string]domain.Task
	err      error
	cleaned  []string
	canceled []string
	resumed  []string
}

func (f *fakeClient) Progress(context.Context) (map[string]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks, f.err
}

func (f *fakeClient) Cleanup(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, ids...)
	return nil
}

func (f *fakeClient) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeClient) Resume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "done" {
		return errors.New("task cannot be resumed")
	}
	f.resumed = append(f.resumed, id)
	return nil
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelPollAndCleanup(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{tasks: snap(download("a", domain.StatusDownloading, 10, 10))}
	m := New(fc)

	msg := m.Init()()
	pm, ok := msg.(progressMsg)
	require.True(t, ok)
	m, _ = update(t, m, pm)
	require.Equal(t, 1, m.board.Len())
	require.Contains(t, m.View(), "a.bin")

	fc.mu.Lock()
	fc.tasks = snap(download("a", domain.StatusCompleted, 100, 100))
	fc.mu.Unlock()
	m, cmd := update(t, m, m.poll()())
	require.NotNil(t, cmd)
	require.Zero(t, m.board.Len())

	// run the batched commands except the tick
	batch, ok := cmd().(tea.BatchMsg)
	require.True(t, ok)
	for _, c := range batch {
		if am, ok := runQuick(c).(actionMsg); ok {
			m, _ = update(t, m, am)
		}
	}
	require.Equal(t, []string{"a"}, fc.cleaned)
}

// runQuick runs cmd unless it is a tick, which would block for PollInterval.
func runQuick(cmd tea.Cmd) tea.Msg {
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	select {
	case msg := <-done:
		return msg
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func TestModelPollErrorBecomesNotice(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{err: errors.New("connection refused")}
	m := New(fc)

	m, cmd := update(t, m, m.poll()())
	require.NotNil(t, cmd)
	require.Len(t, m.notices, 1)
	require.True(t, m.notices[0].Err)
	require.Contains(t, m.View(), "connection refused")
}

func TestModelCancelAndResumeKeys(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{tasks: snap(download("a", domain.StatusStalled, 10, 10), download("done", domain.StatusDownloading, 100, 100))}
	m := New(fc)
	m, _ = update(t, m, m.poll()())
	require.Equal(t, 2, m.board.Len())

	m, cmd := update(t, m, keyMsg("r"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	require.Equal(t, []string{"a"}, fc.resumed)
	require.Equal(t, domain.StatusDownloading, m.board.Tasks()[0].Status)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	require.Equal(t, 1, m.cursor)
	m, cmd = update(t, m, keyMsg("r"))
	m, _ = update(t, m, cmd())
	require.True(t, m.notices[len(m.notices)-1].Err)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m, cmd = update(t, m, keyMsg("c"))
	m, _ = update(t, m, cmd())
	require.Equal(t, []string{"a"}, fc.canceled)
	require.Equal(t, domain.StatusCanceled, m.board.Tasks()[0].Status)
}

func TestModelKeepsPollingWhenAllTerminal(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{tasks: snap(download("a", domain.StatusCompleted, 100, 100))}
	m := New(fc)
	m, _ = update(t, m, m.poll()())
	require.Equal(t, 1, m.board.Len())

	_, cmd := update(t, m, tickMsg(time.Now()))
	require.NotNil(t, cmd)
	pm, ok := runQuick(cmd).(progressMsg)
	require.True(t, ok, "tick on an all-terminal board still polls")

	m, cmd = update(t, m, pm)
	require.Zero(t, m.board.Len())
	batch, ok := cmd().(tea.BatchMsg)
	require.True(t, ok)
	for _, c := range batch {
		if am, ok := runQuick(c).(actionMsg); ok {
			m, _ = update(t, m, am)
		}
	}
	require.Equal(t, []string{"a"}, fc.cleaned)
}

func TestModelPollsAfterLocalCancel(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{tasks: snap(download("a", domain.StatusDownloading, 10, 10))}
	m := New(fc)
	m, _ = update(t, m, m.poll()())

	m, cmd := update(t, m, keyMsg("c"))
	m, _ = update(t, m, cmd())
	require.Equal(t, domain.StatusCanceled, m.board.Tasks()[0].Status)

	fc.mu.Lock()
	fc.tasks = snap(download("a", domain.StatusDownloading, 10, 10), download("b", domain.StatusStarting, 0, 0))
	fc.mu.Unlock()
	_, cmd = update(t, m, tickMsg(time.Now()))
	pm, ok := runQuick(cmd).(progressMsg)
	require.True(t, ok)

	m, _ = update(t, m, pm)
	require.Equal(t, 1, m.board.Len())
	require.Equal(t, "b", m.board.Tasks()[0].ID)
}

func TestModelQuit(t *testing.T) {
	t.Parallel()
	m := New(&fakeClient{})
	_, cmd := update(t, m, keyMsg("q"))
	require.IsType(t, tea.QuitMsg{}, cmd())
}
