package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewWorkflowCmd создаёт группу команд для наблюдения за графами.
func NewWorkflowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Inspect and cancel workflows",
	}

	cmd.AddCommand(
		newWorkflowListCmd(clientFn, outputFn),
		newWorkflowShowCmd(clientFn, outputFn),
		newWorkflowStepsCmd(clientFn, outputFn),
		newWorkflowCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newWorkflowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListWorkflowsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			workflows, err := client.ListWorkflows(opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "NAME", "STATUS", "TASK_ID", "CREATED"}
			rows := make([][]string, len(workflows))
			for i, wf := range workflows {
				rows[i] = []string{wf.ID, wf.Name, workflowStatus(wf), wf.TaskID, wf.CreatedAt}
			}

			out.Print(headers, rows, workflows)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.State, "state", "all", "Workflow state (all, active, completed, recent)")
	cmd.Flags().IntVar(&opts.Minutes, "min", 0, "Window in minutes for --state recent")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (RUNNING, SUCCEEDED, FAILED, ROLLED_BACK)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newWorkflowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show workflow details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			wf, err := client.GetWorkflow(args[0])
			if err != nil {
				return err
			}

			fields := [][2]string{
				{"ID", wf.ID},
				{"Name", wf.Name},
				{"Status", workflowStatus(*wf)},
				{"Progress", progress(wf.Progress)},
				{"Task", wf.TaskID},
				{"Parent", wf.ParentWorkflowID},
				{"Error", wf.Error},
				{"Created", wf.CreatedAt},
				{"Finished", wf.FinishedAt},
			}
			out.Details(fields, wf)
			return nil
		},
	}
}

func newWorkflowStepsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "steps WORKFLOW_ID",
		Short: "List steps of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			steps, err := client.ListSteps(args[0])
			if err != nil {
				return err
			}

			headers := []string{"#", "KEY", "OPERATION", "TARGET", "STATUS", "MESSAGE"}
			rows := make([][]string, len(steps))
			for i, s := range steps {
				status := s.Status
				if s.JobSubStatus != "" {
					status += " (" + s.JobSubStatus + ")"
				}
				rows[i] = []string{
					strconv.Itoa(s.Position), s.Key, s.Forward.Operation, s.Forward.TargetID, status, s.Message,
				}
			}

			out.Print(headers, rows, steps)
			return nil
		},
	}
}

func newWorkflowCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a running workflow and roll back completed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			wf, err := client.CancelWorkflow(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Workflow cancelled: %s", wf.ID))
			return nil
		},
	}
}

// workflowStatus возвращает статус с пометкой отката.
func workflowStatus(wf WorkflowResponse) string {
	switch {
	case wf.RollbackFailed:
		return wf.Status + " (rollback failed)"
	case wf.Cancelled && wf.Status == "RUNNING":
		return wf.Status + " (cancelling)"
	}
	return wf.Status
}

// progress форматирует счётчики шагов: "EXECUTING=1 SUCCEEDED=2".
func progress(p *ProgressResponse) string {
	if p == nil {
		return "-"
	}
	statuses := make([]string, 0, len(p.ByStatus))
	for status := range p.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", status, p.ByStatus[status]))
	}
	return strings.Join(parts, " ")
}
