package pipeline

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

func TestChunkIndex(t *testing.T) {
	tests := []struct {
		path string
		idx  int
		ok   bool
	}{
		{"/data/temp/job_chunk_0.txt", 0, true},
		{"/data/temp/job_chunk_12.txt", 12, true},
		{"/data/temp/job_chunk_3.translated.enc", 3, true},
		{"job_chunk_7", 7, true},
		{"/data/temp/job_final.txt.enc", 0, false},
		{"/data/chunk_dir_chunk_x/file.txt", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		idx, ok := ChunkIndex(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.idx, idx, tt.path)
	}
}

func TestSortResults_NumericAndStable(t *testing.T) {
	in := []models.ChunkResult{
		{InputPath: "/t/j_chunk_10.txt"},
		{InputPath: "/t/odd-one.txt", Message: "first unmatched"},
		{InputPath: "/t/j_chunk_2.txt"},
		{InputPath: "", ResultPath: "/t/j_chunk_1.translated.enc"},
		{InputPath: "/t/another.txt", Message: "second unmatched"},
		{InputPath: "/t/j_chunk_0.txt"},
	}

	got := SortResults(in)

	paths := make([]string, len(got))
	for i, r := range got {
		paths[i] = r.InputPath + r.ResultPath
	}
	assert.Equal(t, []string{
		"/t/j_chunk_0.txt",
		"/t/j_chunk_1.translated.enc",
		"/t/j_chunk_2.txt",
		"/t/j_chunk_10.txt",
		"/t/odd-one.txt",
		"/t/another.txt",
	}, paths)
	// Input is not reordered in place.
	assert.Equal(t, "/t/j_chunk_10.txt", in[0].InputPath)
}

func TestErrorMarker(t *testing.T) {
	got := ErrorMarker(models.ChunkResult{InputPath: "/data/temp/j_chunk_4.txt", Status: models.ChunkAborted})
	assert.Equal(t, "\n--- [ERROR IN CHUNK j_chunk_4.txt: aborted] ---\n", got)
}

// writeChunkResults encrypts texts as chunk results of job and returns them in index order.
func writeChunkResults(t *testing.T, dir, jobID string, key vault.Key, texts []string) []models.ChunkResult {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	out := make([]models.ChunkResult, len(texts))
	for i, text := range texts {
		in := filepath.Join(dir, jobID+"_chunk_"+strconv.Itoa(i)+".txt")
		res := ResultPath(in)
		require.NoError(t, vault.EncryptFile(res, text, key))
		out[i] = models.ChunkResult{InputPath: in, Status: models.ChunkSuccess, ResultPath: res}
	}
	return out
}

func TestAggregate_JoinsInIndexOrderWithMarkers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := vault.DeriveKey("secret")
	jobID := "job-agg"
	require.NoError(t, h.store.InitProgress(ctx, jobID, 5, h.settings.ProgressTTL))

	results := writeChunkResults(t, h.settings.TempDir, jobID, key, []string{"zero", "one", "two", "three", "four"})
	results[1] = models.ChunkResult{InputPath: results[1].InputPath, Status: models.ChunkError, Message: "inference timeout"}
	results[3] = models.ChunkResult{InputPath: results[3].InputPath, Status: models.ChunkEmpty}
	results[4] = models.ChunkResult{InputPath: results[4].InputPath, Status: models.ChunkAborted}

	shuffled := append([]models.ChunkResult(nil), results...)
	rand.New(rand.NewSource(7)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	res, err := h.aggregator.Aggregate(ctx, shuffled, jobID, key)
	require.NoError(t, err)

	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, FinalPath(h.settings.ResultsDir, jobID), res.FinalPath)
	assert.Equal(t, LogPath(h.settings.ResultsDir, jobID), res.LogPath)

	final, err := vault.DecryptFile(res.FinalPath, key)
	require.NoError(t, err)
	want := strings.Join([]string{
		"zero",
		"\n--- [ERROR IN CHUNK job-agg_chunk_1.txt: error] ---\n",
		"two",
		"",
		"\n--- [ERROR IN CHUNK job-agg_chunk_4.txt: aborted] ---\n",
	}, "\n")
	assert.Equal(t, want, final)

	_, err = vault.DecryptFile(res.FinalPath, vault.DeriveKey("wrong"))
	assert.ErrorIs(t, err, vault.ErrDecryption)

	assert.Equal(t, h.settings.FinishedTTL, h.store.ttls[jobID])
}

func TestAggregate_LogIsOrderedAndHoldsNoTranslation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	key := vault.DeriveKey("secret")
	jobID := "job-log"

	results := writeChunkResults(t, h.settings.TempDir, jobID, key, []string{"SECRET-TRANSLATION-A", "SECRET-TRANSLATION-B"})
	results = append(results, models.ChunkResult{
		InputPath: filepath.Join(h.settings.TempDir, jobID+"_chunk_2.txt"),
		Status:    models.ChunkError,
		Message:   strings.Repeat("x", 2000),
	})

	res, err := h.aggregator.Aggregate(ctx, []models.ChunkResult{results[2], results[0], results[1]}, jobID, key)
	require.NoError(t, err)

	raw, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "SECRET-TRANSLATION")

	var logged []models.ChunkResult
	require.NoError(t, json.Unmarshal(raw, &logged))
	require.Len(t, logged, 3)
	assert.Equal(t, results[0].InputPath, logged[0].InputPath)
	assert.Equal(t, results[1].InputPath, logged[1].InputPath)
	assert.Equal(t, models.ChunkError, logged[2].Status)
	assert.Len(t, logged[2].Message, maxLogMessage)
}

func TestAggregate_DeterministicAcrossPermutations(t *testing.T) {
	key := vault.DeriveKey("secret")
	texts := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}

	var first string
	for seed := int64(0); seed < 8; seed++ {
		h := newHarness(t)
		results := writeChunkResults(t, h.settings.TempDir, "job", key, texts)
		rand.New(rand.NewSource(seed)).Shuffle(len(results), func(i, j int) { results[i], results[j] = results[j], results[i] })

		res, err := h.aggregator.Aggregate(context.Background(), results, "job", key)
		require.NoError(t, err)
		final, err := vault.DecryptFile(res.FinalPath, key)
		require.NoError(t, err)

		if seed == 0 {
			first = final
			assert.Equal(t, strings.Join(texts, "\n"), final)
			continue
		}
		assert.Equal(t, first, final, "seed %d", seed)
	}
}

func TestAggregate_CorruptResultFails(t *testing.T) {
	h := newHarness(t)
	key := vault.DeriveKey("secret")
	results := writeChunkResults(t, h.settings.TempDir, "job", key, []string{"ok", "also ok"})
	require.NoError(t, os.WriteFile(results[1].ResultPath, []byte("garbage"), 0o600))

	_, err := h.aggregator.Aggregate(context.Background(), results, "job", key)
	assert.ErrorIs(t, err, vault.ErrDecryption)
}

func TestAggregate_MissingResultFileIsEmpty(t *testing.T) {
	h := newHarness(t)
	key := vault.DeriveKey("secret")
	results := writeChunkResults(t, h.settings.TempDir, "job", key, []string{"first", "gone"})
	require.NoError(t, os.Remove(results[1].ResultPath))

	res, err := h.aggregator.Aggregate(context.Background(), results, "job", key)
	require.NoError(t, err)
	final, err := vault.DecryptFile(res.FinalPath, key)
	require.NoError(t, err)
	assert.Equal(t, "first\n", final)
}

func TestAggregate_LedgerCompletedOrStaysCancelled(t *testing.T) {
	for _, start := range []string{"dispatched", "cancelled"} {
		t.Run(start, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			require.NoError(t, h.ledger.CreateJob(ctx, &models.Job{ID: "job", Status: "queued"}))
			require.NoError(t, h.ledger.UpdateJobStatus(ctx, "job", start))

			res, err := h.aggregator.Aggregate(ctx, nil, "job", vault.DeriveKey("k"))
			require.NoError(t, err)

			want := models.JobStatusCompleted
			if start == models.JobStatusCancelled {
				want = models.JobStatusCancelled
			}
			job, err := h.ledger.GetJob(ctx, "job")
			require.NoError(t, err)
			assert.Equal(t, want, job.Status)
			require.NotNil(t, job.FinalPath)
			assert.Equal(t, res.FinalPath, *job.FinalPath)
		})
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", truncateString("hello", 10))
	assert.Equal(t, "hel", truncateString("hello", 3))
	// "é" is two bytes; cutting inside it backs off to the rune start.
	assert.Equal(t, "caf", truncateString("café", 4))
}
