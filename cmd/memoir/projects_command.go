package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"memoir/internal/store"
)

type projectListing struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Participant     string `json:"participant,omitempty"`
	Status          string `json:"status"`
	RecordedSeconds int64  `json:"recorded_seconds"`
	SegmentsDone    int64  `json:"segments_done"`
	SegmentsTotal   int64  `json:"segments_total"`
	PhotosDone      int64  `json:"photos_done"`
	PhotosTotal     int64  `json:"photos_total"`
	CreatedAt       string `json:"created_at"`
	ExpiresAt       string `json:"expires_at,omitempty"`
}

func newProjectsCommand(cliCtx *commandContext) *cobra.Command {
	var userID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List a user's memoir projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := cliCtx.openStore()
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			ctx := cmd.Context()
			projects, err := st.ListProjects(ctx, userID)
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}

			listings := make([]projectListing, 0, len(projects))
			for _, project := range projects {
				listing := projectListing{
					ID:          project.ID,
					Title:       project.Title,
					Participant: project.Participant,
					Status:      string(project.Status),
					CreatedAt:   project.CreatedAt.Local().Format(time.RFC3339),
				}
				if project.ExpiresAt != nil {
					listing.ExpiresAt = project.ExpiresAt.Local().Format(time.RFC3339)
				}
				if state, stateErr := st.LoadState(ctx, project.ID); stateErr == nil && state != nil {
					listing.RecordedSeconds = state.RecordedSeconds
					listing.SegmentsDone = state.SegmentsDone
					listing.SegmentsTotal = state.SegmentsTotal
					listing.PhotosDone = state.PhotosDone
					listing.PhotosTotal = state.PhotosTotal
				}
				listings = append(listings, listing)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(listings)
			}
			if len(listings) == 0 {
				fmt.Fprintf(out, "No projects for user %s\n", userID)
				return nil
			}

			rows := make([][]string, 0, len(listings))
			for _, l := range listings {
				rows = append(rows, []string{
					shortID(l.ID),
					l.Title,
					l.Status,
					formatSeconds(l.RecordedSeconds),
					fmt.Sprintf("%d/%d", l.SegmentsDone, l.SegmentsTotal),
					fmt.Sprintf("%d/%d", l.PhotosDone, l.PhotosTotal),
					l.CreatedAt,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Title", "Status", "Recorded", "Segments", "Photos", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User whose projects to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatSeconds(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func statusGlyph(status store.Status) string {
	switch status {
	case store.StatusDone:
		return "✓"
	case store.StatusError:
		return "✗"
	case store.StatusProcessing:
		return "…"
	default:
		return "●"
	}
}
