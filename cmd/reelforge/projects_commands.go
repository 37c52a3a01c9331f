package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newProjectsCommand(ctx *commandContext) *cobra.Command {
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "List and inspect projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectsList(ctx, cmd)
		},
	}

	projectsCmd.AddCommand(&cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one project with its current plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProjectShow(ctx, cmd, args[0])
		},
	})

	return projectsCmd
}

func runProjectsList(ctx *commandContext, cmd *cobra.Command) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	var list projectListView
	if err := client.getJSON("/api/projects", &list); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(list.Projects) == 0 {
		fmt.Fprintln(out, "No projects")
		return nil
	}

	rows := make([][]string, 0, len(list.Projects))
	for _, p := range list.Projects {
		detail := p.ErrorDetail
		if detail == "" {
			detail = p.Filename
		}
		rows = append(rows, []string{
			shortID(p.ID),
			p.Status,
			strconv.Itoa(p.Progress) + "%",
			detail,
			p.CreatedAt,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"ID", "Status", "Progress", "Detail", "Created"},
		rows, 2,
	))
	return nil
}

func runProjectShow(ctx *commandContext, cmd *cobra.Command, id string) error {
	client, err := ctx.client()
	if err != nil {
		return err
	}
	var project projectView
	if err := client.getJSON("/api/projects/"+url.PathEscape(id), &project); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Project "+shortID(project.ID), colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Status", statusForProject(project), project.Status, colorize))
	fmt.Fprintln(out, renderStatusLine("Progress", statusInfo, strconv.Itoa(project.Progress)+"%", colorize))
	fmt.Fprintln(out, renderStatusLine("Sample", statusInfo, project.Filename, colorize))
	if project.Provider != "" {
		fmt.Fprintln(out, renderStatusLine("Backend", statusInfo, project.Provider+" / "+project.Model, colorize))
	}
	if project.ErrorDetail != "" {
		fmt.Fprintln(out, renderStatusLine("Detail", statusWarn, project.ErrorDetail, colorize))
	}
	if project.ExpiresAt != "" {
		fmt.Fprintln(out, renderStatusLine("Expires", statusInfo, project.ExpiresAt, colorize))
	}

	if project.Plan != nil {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Plan", colorize) {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintln(out, renderStatusLine("Revision", statusInfo, shortID(project.Plan.Revision), colorize))
		fmt.Fprintln(out, renderStatusLine("Summary", statusInfo, project.Plan.Summary, colorize))
		fmt.Fprintln(out, renderStatusLine("Style", statusInfo, project.Plan.Style, colorize))

		rows := make([][]string, 0, len(project.Plan.Clips))
		for _, clip := range project.Plan.Clips {
			rows = append(rows, []string{
				strconv.Itoa(clip.Index),
				fmt.Sprintf("%.1fs", clip.Seconds),
				clip.Description,
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"#", "Length", "Description"},
			rows, 0, 1,
		))
	}
	return nil
}

func statusForProject(p projectView) statusKind {
	switch p.Status {
	case "completed":
		return statusOK
	case "error":
		return statusError
	case "expired":
		return statusWarn
	default:
		return statusInfo
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var refImage string
	var refAudio string
	var userContext string

	cmd := &cobra.Command{
		Use:   "upload <sample-video>",
		Short: "Upload a sample video and create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var project projectView
			if err := client.uploadProject(args[0], refImage, refAudio, userContext, &project); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project %s created (%s)\n", project.ID, project.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&refImage, "ref-image", "", "Reference image for product shots")
	cmd.Flags().StringVar(&refAudio, "ref-audio", "", "Audio track to lay under the deliverable")
	cmd.Flags().StringVar(&userContext, "context", "", "Free-form guidance for analysis")
	return cmd
}

func newChatCommand(ctx *commandContext) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat <project-id> <message>",
		Short: "Send a negotiation message about the plan",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			payload := map[string]string{
				"session_id": sessionID,
				"message":    strings.Join(args[1:], " "),
			}
			var outcome outcomeView
			if err := client.postJSON("/api/projects/"+url.PathEscape(args[0])+"/chat", payload, &outcome); err != nil {
				return err
			}
			printOutcome(cmd, outcome)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Conversation session id")
	return cmd
}

func newRegenerateCommand(ctx *commandContext) *cobra.Command {
	var sessionID string
	var instruction string

	cmd := &cobra.Command{
		Use:   "regenerate <project-id>",
		Short: "Discard the current plan and produce a fresh one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			payload := map[string]string{
				"session_id":  sessionID,
				"instruction": instruction,
			}
			var outcome outcomeView
			if err := client.postJSON("/api/projects/"+url.PathEscape(args[0])+"/regenerate", payload, &outcome); err != nil {
				return err
			}
			printOutcome(cmd, outcome)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Conversation session id")
	cmd.Flags().StringVar(&instruction, "instruction", "", "Guidance for the fresh plan")
	return cmd
}

func printOutcome(cmd *cobra.Command, outcome outcomeView) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, outcome.Reply)
	if outcome.PlanChanged {
		fmt.Fprintf(out, "Plan updated (revision %s)\n", shortID(outcome.PlanRevision))
	}
}

func newApproveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve the current plan and start generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var project projectView
			if err := client.postJSON("/api/projects/"+url.PathEscape(args[0])+"/approve", nil, &project); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Plan approved; project is %s\n", project.Status)
			return nil
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Request cancellation of in-flight generation or assembly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.postJSON("/api/projects/"+url.PathEscape(args[0])+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested")
			return nil
		},
	}
}

func newDeliverableCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deliverable <project-id>",
		Short: "Print a signed download link for the finished video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var resp struct {
				URL       string `json:"url"`
				ExpiresAt string `json:"expires_at"`
			}
			if err := client.getJSON("/api/projects/"+url.PathEscape(args[0])+"/deliverable", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.URL)
			if resp.ExpiresAt != "" {
				fmt.Fprintf(out, "Project expires %s\n", resp.ExpiresAt)
			}
			return nil
		},
	}
}
