package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/epic-hq/Insights-sub011/pkg/store/postgres"
)

func newIngestBotCommand(ctx *commandContext) *cobra.Command {
	var botID, interviewID string

	cmd := &cobra.Command{
		Use:   "ingest-bot",
		Short: "Ingest a finished meeting-bot recording into an interview",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			res, err := client.IngestBot(cmd.Context(), botID, interviewID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Ingest queued for interview %s\n", res.InterviewID)
			fmt.Fprintf(out, "Job: %s (%s)\n", res.JobID, res.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&botID, "bot", "", "Meeting bot id")
	cmd.Flags().StringVarP(&interviewID, "interview", "i", "", "Interview id")
	_ = cmd.MarkFlagRequired("bot")
	_ = cmd.MarkFlagRequired("interview")
	return cmd
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if dsn == "" {
				dsn = cfg.Database.PostgresDSN
			}
			if dsn == "" {
				return errors.New("database.postgres_dsn is not configured")
			}
			start := time.Now()
			st, err := postgres.NewStore(cmd.Context(), dsn)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to database.postgres_dsn)")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status <interview>",
		Short: "Show the processing status of an interview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			status := client.Status
			if check {
				status = client.CheckTranscription
			}
			st, err := status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Interview: %s\n", st.ID)
			fmt.Fprintf(out, "Status:    %s\n", st.Status)
			if st.StatusDetail != "" {
				fmt.Fprintf(out, "Detail:    %s\n", st.StatusDetail)
			}
			keys := make([]string, 0, len(st.ProcessingMetadata))
			for k := range st.ProcessingMetadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %s: %v\n", k, st.ProcessingMetadata[k])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Poll the transcription provider before reporting")
	return cmd
}
