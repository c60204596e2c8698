package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
	"github.com/MegaGrindStone/gemini-web-chat/internal/services"
	"github.com/spf13/cobra"
)

var errNoArchive = errors.New("no archive is configured, set archive in the config file")

func newTranscriptCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "transcript [session-id]",
		Short: "Print archived conversations",
		Long: `transcript lists the conversations recorded in the archive file, newest first.
Given a session id, it prints that conversation's messages in the order they were archived.
The archive file is locked while the server runs, so stop the server first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(*opts)
			if err != nil {
				return err
			}
			if cfg.Archive == "" {
				return errNoArchive
			}

			archive, err := services.NewBoltArchive(cfg.Archive)
			if err != nil {
				return err
			}
			defer archive.Close()

			if len(args) == 0 {
				sessions, err := archive.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), sessions)
				return nil
			}

			messages, err := archive.Transcript(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(messages) == 0 {
				return fmt.Errorf("no archived messages for session %s", args[0])
			}
			printTranscript(cmd.OutOrStdout(), messages)
			return nil
		},
	}
}

func printSessions(w io.Writer, sessions []services.ArchivedSession) {
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\n", s.ID, s.StartedAt.Format(time.RFC3339))
	}
}

func printTranscript(w io.Writer, messages []models.Message) {
	for _, m := range messages {
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp.Format(time.RFC3339), m.Role, m.Text)
		for _, src := range m.Sources {
			fmt.Fprintf(w, "  - %s (%s)\n", src.Label(), src.URI)
		}
	}
}
