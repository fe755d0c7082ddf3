package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"kbassist-backend/models"

	"github.com/google/uuid"
)

// memoryIndex keeps chunks in a slice and matches queries by substring
type memoryIndex struct {
	chunks   []models.Chunk
	resets   int
	queryErr error
	addErr   error
	results  []models.RetrievalResult
	lastK    int
}

func (m *memoryIndex) Add(_ context.Context, chunks []models.Chunk) error {
	if m.addErr != nil {
		return m.addErr
	}
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memoryIndex) Query(_ context.Context, text string, k int) ([]models.RetrievalResult, error) {
	m.lastK = k
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	if m.results != nil {
		return m.results, nil
	}
	var out []models.RetrievalResult
	for _, c := range m.chunks {
		if strings.Contains(c.Content, text) {
			out = append(out, models.RetrievalResult{Chunk: c, Score: 0.95})
		}
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (m *memoryIndex) Reset(context.Context) error {
	m.resets++
	m.chunks = nil
	return nil
}

// persistentIndex adds the file-backed behaviour of the snapshot index
type persistentIndex struct {
	memoryIndex
	dir   string
	saves int
}

func (p *persistentIndex) Save() error {
	p.saves++
	return nil
}

func (p *persistentIndex) Dir() string { return p.dir }

// replacingIndex swaps its contents atomically like the real backends
type replacingIndex struct {
	memoryIndex
	replaces int
}

func (r *replacingIndex) Replace(_ context.Context, chunks []models.Chunk) error {
	r.replaces++
	if r.addErr != nil {
		return r.addErr
	}
	r.chunks = append([]models.Chunk(nil), chunks...)
	return nil
}

func (r *replacingIndex) Count(context.Context) (int, error) { return len(r.chunks), nil }

// stubChat records the turns it is asked to complete
type stubChat struct {
	reply string
	err   error
	calls int
	turns []models.Turn
	opts  ChatOptions
}

func (c *stubChat) Complete(_ context.Context, turns []models.Turn, opts ChatOptions) (string, error) {
	c.calls++
	c.turns = turns
	c.opts = opts
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

// echoChat replies with the system turn it received so tests can see the context
type echoChat struct{}

func (echoChat) Complete(_ context.Context, turns []models.Turn, _ ChatOptions) (string, error) {
	for _, t := range turns {
		if t.Role == models.RoleSystem {
			return "Based on context: " + t.Content, nil
		}
	}
	return "no context", nil
}

// fakeRemote serves raw documents from an in-memory map
type fakeRemote struct {
	files     map[string]string
	cleared   []string
	pushed    []string
	pushedDir string
	fetchErr  error
}

func (r *fakeRemote) FetchFolder(_ context.Context, prefix, localDir string) (string, error) {
	if r.fetchErr != nil {
		return "", r.fetchErr
	}
	dest := filepath.Join(localDir, filepath.FromSlash(prefix))
	for name, content := range r.files {
		path := filepath.Join(dest, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func (r *fakeRemote) PushFolder(_ context.Context, localDir, prefix string) error {
	r.pushed = append(r.pushed, prefix)
	r.pushedDir = localDir
	return nil
}

func (r *fakeRemote) ClearPrefix(_ context.Context, prefix string) error {
	r.cleared = append(r.cleared, prefix)
	return nil
}

// fakeRuns records run lifecycle calls
type fakeRuns struct {
	active    bool
	begun     []*models.IngestRun
	completed []*models.IngestRun
	failed    []string
}

func (f *fakeRuns) HasActive(context.Context) (bool, error) { return f.active, nil }

func (f *fakeRuns) Begin(_ context.Context, mode string) (*models.IngestRun, error) {
	run := &models.IngestRun{ID: uuid.New(), Mode: mode, Status: models.IngestStatusInProgress}
	f.begun = append(f.begun, run)
	return run, nil
}

func (f *fakeRuns) Complete(_ context.Context, run *models.IngestRun) error {
	run.Status = models.IngestStatusCompleted
	f.completed = append(f.completed, run)
	return nil
}

func (f *fakeRuns) Fail(_ context.Context, run *models.IngestRun, message string) error {
	run.Status = models.IngestStatusFailed
	f.failed = append(f.failed, message)
	return nil
}
