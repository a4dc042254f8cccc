package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/anas-aljanaby/call-center-backend/internal/app"
	"github.com/anas-aljanaby/call-center-backend/internal/config"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/retrieval"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

func setupTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.Transcription.Mock = true
	cfg.LLM.Mock = true
	cfg.Embedding.Mock = true
	cfg.Embedding.Dimensions = 64
	cfg.Storage.RecordingsBaseURL = "https://recordings.example.com"
	cfg.Processing.MaxRetries = 0

	a, err := app.New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	application, ownsApp = a, false
	t.Cleanup(func() {
		application = nil
		processAll, indexCategory, searchCategory, searchJSON = false, "", "", false
		searchTags = nil
		askCategory, askJSON = "", false
		labelDefs, checklistItems = nil, nil
		a.Close()
	})
	return a
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestImportAndProcessAll(t *testing.T) {
	a := setupTestApp(t)

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]any{"Recording", "Agent", "Started", "Ended"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]any{"calls/1.wav", "Sara", "2025-03-01 10:00:00", "2025-03-01 10:01:30"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]any{"calls/2.wav", "Omar", "2025-03-01 11:00:00", "2025-03-01 11:02:00"}))
	require.NoError(t, f.SetSheetRow(sheet, "A4", &[]any{"", "Omar", "", ""}))
	path := filepath.Join(t.TempDir(), "calls.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	out, err := run(t, "import", path, "--org", uuid.NewString())
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 calls.")
	assert.Contains(t, out, "row 4 skipped: missing recording")

	out, err = run(t, "process", "--all")
	require.NoError(t, err, out)
	assert.Contains(t, out, string(types.StateProcessed))

	ids, err := a.Store.ListProcessable(context.Background(), 3, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	out, err = run(t, "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No calls waiting for review.")
}

func TestProcess_RequiresCalls(t *testing.T) {
	setupTestApp(t)
	_, err := run(t, "process")
	assert.ErrorContains(t, err, "no calls given")

	_, err = run(t, "process", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid call id")
}

func TestIndexAndSearch(t *testing.T) {
	setupTestApp(t)

	dir := filepath.Join(t.TempDir(), "billing")
	require.NoError(t, os.Mkdir(dir, 0o755))
	refunds := filepath.Join(dir, "refund_policy.txt")
	require.NoError(t, os.WriteFile(refunds, []byte("Refunds for damaged items are issued within thirty days."), 0o644))
	router := filepath.Join(t.TempDir(), "router.md")
	require.NoError(t, os.WriteFile(router, []byte("Hold the router reset button for ten seconds."), 0o644))

	out, err := run(t, "index", refunds, router)
	require.NoError(t, err, out)
	assert.Contains(t, out, "refund policy")
	assert.Contains(t, out, string(types.IndexIndexed))

	out, err = run(t, "search", "damaged items refunds", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Results:")
	assert.Contains(t, out, "[1] refund policy")

	out, err = run(t, "search", "damaged items refunds", "--category", "technical")
	require.NoError(t, err)
	assert.NotContains(t, out, "refund policy")

	_, err = run(t, "index", filepath.Join(t.TempDir(), "scan.pdf"))
	assert.ErrorContains(t, err, "unsupported file type")
}

func TestRequeue_UnknownCall(t *testing.T) {
	setupTestApp(t)
	_, err := run(t, "requeue", uuid.NewString())
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAsk(t *testing.T) {
	setupTestApp(t)
	doc := filepath.Join(t.TempDir(), "refund_policy.txt")
	require.NoError(t, os.WriteFile(doc, []byte("Refunds for damaged items are issued within thirty days."), 0o644))
	_, err := run(t, "index", doc)
	require.NoError(t, err)

	out, err := run(t, "ask", "when are damaged items refunded?")
	require.NoError(t, err)
	assert.Contains(t, out, "thirty days")
	assert.Contains(t, out, "[1] refund policy p.1")

	out, err = run(t, "ask", "anything?", "--category", "billing")
	require.NoError(t, err)
	assert.Contains(t, out, retrieval.NoAnswer)

	_, err = run(t, "ask", "anything?", "--category", "weather")
	assert.ErrorContains(t, err, "unknown category")
}

func TestLabelAndChecklist(t *testing.T) {
	a := setupTestApp(t)
	ctx := context.Background()
	call := types.NewCall(uuid.New(), uuid.New(), "calls/r.wav", time.Time{}, time.Time{})
	require.NoError(t, a.Store.CreateCall(ctx, call))

	_, err := run(t, "checklist", call.ID.String(), "--item", "greet")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = a.Store.ClaimCall(ctx, call.ID, 3)
	require.NoError(t, err)
	require.NoError(t, a.Store.CompleteCall(ctx, types.CallAnalytics{
		ID:     uuid.New(),
		CallID: call.ID,
		Transcription: types.Transcript{Segments: []types.Segment{
			{StartTime: 0, EndTime: 3, Text: "Thank you for calling support.", Speaker: "Speaker 1"},
			{StartTime: 3, EndTime: 8, Text: "I need a refund for my order.", Speaker: "Speaker 2"},
		}},
		Highlights: []types.HighlightEvent{},
		CallType:   types.CallTypeBilling,
		Summary:    "Customer asked for a refund.",
	}))

	out, err := run(t, "label", call.ID.String(), "--label", "refund=asks for money back")
	require.NoError(t, err)
	assert.Contains(t, out, "#2 refund")

	checklistItems = nil
	out, err = run(t, "checklist", call.ID.String(), "--item", "thank calling", "--item", "verify identity")
	require.NoError(t, err)
	assert.Contains(t, out, "done    thank calling (segment 1)")
	assert.Contains(t, out, "missing verify identity")
	assert.Contains(t, out, "1 of 2 items covered.")

	labelDefs = nil
	_, err = run(t, "label", call.ID.String())
	var ve types.ValidationError
	assert.ErrorAs(t, err, &ve)
}
