package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"memoir/internal/store"
)

type projectDetail struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	Participant      string            `json:"participant,omitempty"`
	Status           string            `json:"status"`
	StylizePhotos    bool              `json:"stylize_photos"`
	RecordedSeconds  int64             `json:"recorded_seconds"`
	IngestDurationMS int64             `json:"ingest_duration_ms"`
	IngestBytes      int64             `json:"ingest_bytes"`
	LastSeq          int64             `json:"last_seq"`
	SegmentsDone     int64             `json:"segments_done"`
	SegmentsTotal    int64             `json:"segments_total"`
	PhotosDone       int64             `json:"photos_done"`
	PhotosTotal      int64             `json:"photos_total"`
	StylizeErrors    int64             `json:"stylize_errors"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	OutputFile       string            `json:"output_file,omitempty"`
	FallbackFile     string            `json:"fallback_file,omitempty"`
	Jobs             store.JobMap      `json:"jobs,omitempty"`
	Metrics          *store.Metrics    `json:"metrics,omitempty"`
	Usage            *store.TokenUsage `json:"usage,omitempty"`
	CreatedAt        string            `json:"created_at"`
	ExpiresAt        string            `json:"expires_at,omitempty"`
}

func newShowCommand(cliCtx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one project in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := cliCtx.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			ctx := cmd.Context()
			projectID := args[0]
			project, err := st.GetProject(ctx, projectID)
			if err != nil {
				return fmt.Errorf("load project: %w", err)
			}
			if project == nil {
				return fmt.Errorf("no project with id %s", projectID)
			}
			state, err := st.LoadStateFresh(ctx, projectID)
			if err != nil {
				return fmt.Errorf("load project state: %w", err)
			}

			detail := buildDetail(project, state)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(detail)
			}

			fmt.Fprintf(out, "%s %s (%s)\n", statusGlyph(project.Status), detail.Title, detail.Status)
			if detail.Participant != "" {
				fmt.Fprintf(out, "  told by %s\n", detail.Participant)
			}
			fmt.Fprintf(out, "  id:        %s\n", detail.ID)
			fmt.Fprintf(out, "  recorded:  %s (%d chunks, %d bytes)\n",
				formatSeconds(detail.RecordedSeconds), detail.LastSeq+1, detail.IngestBytes)
			fmt.Fprintf(out, "  segments:  %d/%d transcribed\n", detail.SegmentsDone, detail.SegmentsTotal)
			fmt.Fprintf(out, "  photos:    %d/%d stylized", detail.PhotosDone, detail.PhotosTotal)
			if detail.StylizeErrors > 0 {
				fmt.Fprintf(out, " (%d failed)", detail.StylizeErrors)
			}
			fmt.Fprintln(out)
			if detail.OutputFile != "" {
				fmt.Fprintf(out, "  memoir:    %s\n", detail.OutputFile)
			}
			if detail.FallbackFile != "" {
				fmt.Fprintf(out, "  fallback:  %s\n", detail.FallbackFile)
			}
			if detail.Usage != nil {
				fmt.Fprintf(out, "  tokens:    %d prompt + %d completion = %d\n",
					detail.Usage.PromptTokens, detail.Usage.CompletionTokens, detail.Usage.TotalTokens)
			}
			if detail.ErrorMessage != "" {
				fmt.Fprintf(out, "  error:     %s\n", detail.ErrorMessage)
			}
			if detail.ExpiresAt != "" {
				fmt.Fprintf(out, "  expires:   %s\n", detail.ExpiresAt)
			}
			if len(detail.Jobs) > 0 {
				fmt.Fprintln(out, "  jobs:")
				stages := make([]string, 0, len(detail.Jobs))
				for stage := range detail.Jobs {
					stages = append(stages, stage)
				}
				sort.Strings(stages)
				for _, stage := range stages {
					fmt.Fprintf(out, "    %-24s %s\n", stage, detail.Jobs[stage])
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func buildDetail(project *store.Project, state *store.State) projectDetail {
	detail := projectDetail{
		ID:            project.ID,
		Title:         project.Title,
		Participant:   project.Participant,
		Status:        string(project.Status),
		StylizeErrors: project.StylizeErrors,
		ErrorMessage:  project.ErrorMessage,
		OutputFile:    project.OutputFile,
		FallbackFile:  project.FallbackFile,
		Usage:         project.Usage,
		CreatedAt:     project.CreatedAt.Local().Format(time.RFC3339),
	}
	if project.ExpiresAt != nil {
		detail.ExpiresAt = project.ExpiresAt.Local().Format(time.RFC3339)
	}
	if state != nil {
		detail.StylizePhotos = state.StylizePhotos
		detail.RecordedSeconds = state.RecordedSeconds
		detail.IngestDurationMS = state.IngestDurationMS
		detail.IngestBytes = state.IngestBytes
		detail.LastSeq = state.LastSeq
		detail.SegmentsDone = state.SegmentsDone
		detail.SegmentsTotal = state.SegmentsTotal
		detail.PhotosDone = state.PhotosDone
		detail.PhotosTotal = state.PhotosTotal
		detail.Jobs = state.Jobs
		detail.Metrics = state.Metrics
	}
	return detail
}
