package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"kbassist-backend/ingest"
	"kbassist-backend/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIngestService_LocalRun(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "s3.md", "---\npage_title: \"S3\"\nsubcategory: \"Storage\"\n---\n# Bucket\n\ntext\n\n## Versioning\n\nmore")
	writeDoc(t, dir, "nested/plain.md", "# Plain\n\nno frontmatter")
	writeDoc(t, dir, "broken.md", "---\n- a\n- b\n---\n# X")
	writeDoc(t, dir, "notes.txt", "ignored")

	index := &memoryIndex{}
	runs := &fakeRuns{}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRunTracker(runs), IngestWithRawDir(dir))

	report, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	require.NoError(t, err)

	assert.Equal(t, IngestLocal, report.Mode)
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 1, index.resets)
	require.Len(t, index.chunks, 3)
	assert.Equal(t, "S3", index.chunks[1].Metadata.String("page_title"))

	require.Len(t, runs.begun, 1)
	require.Len(t, runs.completed, 1)
	assert.Equal(t, 3, runs.completed[0].Chunks)
	assert.Equal(t, 1, runs.completed[0].Failed)
	assert.Empty(t, runs.failed)
}

func TestIngestService_DirOverride(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "# A\n\nfoo")

	index := &memoryIndex{}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRawDir(filepath.Join(dir, "missing")))

	report, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal, Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
}

func TestIngestService_DryRunLeavesIndexAlone(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "# A\n\nfoo")

	runs := &fakeRuns{}
	svc := NewIngestService(IngestWithRunTracker(runs), IngestWithRawDir(dir))

	report, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal, DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Chunks)
	assert.Empty(t, runs.begun)
}

func TestIngestService_CustomChunker(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "pre.md", "intro\n# A\n\nfoo")

	index := &memoryIndex{}
	svc := NewIngestService(
		IngestWithVectorIndex(index),
		IngestWithRawDir(dir),
		IngestWithChunker(ingest.NewMarkdownChunker(ingest.WithPreamble(true))),
	)

	report, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Chunks)
}

func TestIngestService_RemoteRunPushesSnapshot(t *testing.T) {
	remote := &fakeRemote{files: map[string]string{
		"a.md":     "# A\n\nfoo",
		"sub/b.md": "# B\n\nbar",
	}}
	index := &persistentIndex{dir: t.TempDir()}
	svc := NewIngestService(
		IngestWithVectorIndex(index),
		IngestWithRemoteFolders(remote),
		IngestWithPrefixes("data/raw", "data/chroma"),
	)

	report, err := svc.Run(context.Background(), IngestRequest{Mode: IngestRemote})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, 1, index.saves)
	assert.Equal(t, []string{"data/chroma"}, remote.cleared)
	assert.Equal(t, []string{"data/chroma"}, remote.pushed)
	assert.Equal(t, index.dir, remote.pushedDir)
}

func TestIngestService_SourcesAreRelativeToDocumentRoot(t *testing.T) {
	remote := &fakeRemote{files: map[string]string{
		"a.md":     "# A\n\nfoo",
		"sub/b.md": "# B\n\nbar",
	}}
	index := &memoryIndex{}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRemoteFolders(remote))

	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestRemote})
	require.NoError(t, err)
	require.Len(t, index.chunks, 2)
	assert.Equal(t, "a.md", index.chunks[0].Source)
	assert.Equal(t, "sub/b.md", index.chunks[1].Source)
	first := []models.Chunk{index.chunks[0], index.chunks[1]}

	// every remote run stages into a fresh temp dir
	_, err = svc.Run(context.Background(), IngestRequest{Mode: IngestRemote})
	require.NoError(t, err)
	require.Len(t, index.chunks, 2)
	assert.Equal(t, first[0].ID, index.chunks[0].ID)
	assert.Equal(t, first[1].ID, index.chunks[1].ID)
}

func TestIngestService_LocalRunDoesNotPush(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "# A\n\nfoo")

	remote := &fakeRemote{}
	index := &persistentIndex{dir: t.TempDir()}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRemoteFolders(remote), IngestWithRawDir(dir))

	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	require.NoError(t, err)
	assert.Equal(t, 1, index.saves)
	assert.Empty(t, remote.pushed)
}

func TestIngestService_RemoteWithoutStorage(t *testing.T) {
	svc := NewIngestService(IngestWithVectorIndex(&memoryIndex{}))
	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestRemote})
	assert.ErrorIs(t, err, ErrNoRemoteStorage)
}

func TestIngestService_InvalidMode(t *testing.T) {
	svc := NewIngestService(IngestWithVectorIndex(&memoryIndex{}))
	_, err := svc.Run(context.Background(), IngestRequest{Mode: "ftp"})
	assert.Error(t, err)
}

func TestIngestService_ActiveRunRefused(t *testing.T) {
	index := &memoryIndex{}
	runs := &fakeRuns{active: true}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRunTracker(runs), IngestWithRawDir(t.TempDir()))

	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	assert.ErrorIs(t, err, ErrIngestInProgress)
	assert.Zero(t, index.resets)
	assert.Empty(t, runs.begun)
}

func TestIngestService_FailureMarksRun(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "# A\n\nfoo")

	index := &memoryIndex{addErr: errors.New("disk full")}
	runs := &fakeRuns{}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRunTracker(runs), IngestWithRawDir(dir))

	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, runs.failed, 1)
	assert.Contains(t, runs.failed[0], "disk full")
	assert.Empty(t, runs.completed)
}

func TestIngestService_PrefersAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "# A\n\nfoo")

	index := &replacingIndex{memoryIndex: memoryIndex{chunks: []models.Chunk{{Content: "old"}}}}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRawDir(dir))

	report, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Chunks)
	assert.Equal(t, 1, index.replaces)
	assert.Zero(t, index.resets)
	require.Len(t, index.chunks, 1)
	assert.Equal(t, "# A\n\nfoo", index.chunks[0].Content)
}

func TestIngestService_FailedRebuildKeepsPreviousIndex(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "a.md", "# A\n\nfoo")

	previous := models.Chunk{Content: "previous build"}
	index := &replacingIndex{memoryIndex: memoryIndex{
		chunks: []models.Chunk{previous},
		addErr: fmt.Errorf("%w: quota", models.ErrEmbedding),
	}}
	runs := &fakeRuns{}
	svc := NewIngestService(IngestWithVectorIndex(index), IngestWithRunTracker(runs), IngestWithRawDir(dir))

	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestLocal})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmbedding)
	assert.Equal(t, []models.Chunk{previous}, index.chunks)
	assert.Zero(t, index.resets)
	require.Len(t, runs.failed, 1)
}

func TestIngestService_RemoteFetchFailure(t *testing.T) {
	remote := &fakeRemote{fetchErr: errors.New("access denied")}
	svc := NewIngestService(IngestWithVectorIndex(&memoryIndex{}), IngestWithRemoteFolders(remote))

	_, err := svc.Run(context.Background(), IngestRequest{Mode: IngestRemote})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestParseIngestMode(t *testing.T) {
	mode, err := ParseIngestMode("remote")
	require.NoError(t, err)
	assert.Equal(t, IngestRemote, mode)

	_, err = ParseIngestMode("")
	assert.Error(t, err)
}
