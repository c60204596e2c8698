package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTranscript(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTranscriptCmd(t *testing.T) {
	ctx := context.Background()
	archivePath := filepath.Join(t.TempDir(), "archive.db")

	archive, err := services.NewBoltArchive(archivePath)
	require.NoError(t, err)
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, archive.StartSession(ctx, services.ArchivedSession{ID: "old", StartedAt: ts.Add(-time.Hour)}))
	require.NoError(t, archive.StartSession(ctx, services.ArchivedSession{ID: "new", StartedAt: ts}))
	require.NoError(t, archive.Archive(ctx, "new", models.Message{
		ID: models.MessageID(2, "a"), Role: models.RoleUser, Text: "Who won?", Timestamp: ts,
	}))
	require.NoError(t, archive.Archive(ctx, "new", models.Message{
		ID: models.MessageID(3, "b"), Role: models.RoleBot, Text: "Team A.", Timestamp: ts,
		Sources: []models.Source{{URI: "https://a.example", Title: "A"}},
	}))
	require.NoError(t, archive.Close())

	cfgPath := writeConfig(t, "archive: "+archivePath+"\n")

	t.Run("lists sessions newest first", func(t *testing.T) {
		out, err := runTranscript(t, "transcript", "--config", cfgPath)
		require.NoError(t, err)
		assert.Equal(t, "new\t2025-06-01T12:00:00Z\nold\t2025-06-01T11:00:00Z\n", out)
	})

	t.Run("prints one session", func(t *testing.T) {
		out, err := runTranscript(t, "transcript", "new", "--config", cfgPath)
		require.NoError(t, err)
		assert.Equal(t, "[2025-06-01T12:00:00Z] user: Who won?\n"+
			"[2025-06-01T12:00:00Z] bot: Team A.\n"+
			"  - A (https://a.example)\n", out)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := runTranscript(t, "transcript", "missing", "--config", cfgPath)
		assert.ErrorContains(t, err, "missing")
	})

	t.Run("no archive configured", func(t *testing.T) {
		_, err := runTranscript(t, "transcript", "--config", writeConfig(t, "port: \"9090\"\n"))
		assert.ErrorIs(t, err, errNoArchive)
	})
}
