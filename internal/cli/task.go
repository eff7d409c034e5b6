package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для task.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}

	cmd.AddCommand(newTaskShowCmd(clientFn, outputFn))

	return cmd
}

func newTaskShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.GetTask(args[0])
			if err != nil {
				return err
			}

			printTasks(out, []TaskResponse{*task}, task)
			return nil
		},
	}
}

func printTasks(out *Output, tasks []TaskResponse, jsonData any) {
	headers := []string{"ID", "NAME", "RESOURCES", "STATUS", "CODE", "MESSAGE", "WORKFLOW_ID"}
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{
			t.ID, t.Name, strings.Join(t.ResourceIDs, ","), t.Status, t.ErrorCode, t.Message, t.WorkflowID,
		}
	}
	out.Print(headers, rows, jsonData)
}
