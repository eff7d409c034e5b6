package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVolumeCmd создаёт группу команд блочного контроллера.
func NewVolumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage volumes",
	}

	cmd.AddCommand(
		newVolumeCreateCmd(clientFn, outputFn),
		newVolumeDeleteCmd(clientFn, outputFn),
		newVolumeIngestCmd(clientFn, outputFn),
	)

	return cmd
}

func newVolumeCreateCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var req VolumeRequest

	cmd := &cobra.Command{
		Use:   "create VOLUME_ID",
		Short: "Create a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req.VolumeID = args[0]
			task, err := client.CreateVolume(req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Volume creation started: task %s", task.ID))
			printTasks(out, []TaskResponse{*task}, task)
			return nil
		},
	}

	cmd.Flags().IntVar(&req.SizeGB, "size", 0, "Size in GB")
	cmd.Flags().StringVar(&req.ArrayID, "array", "", "Storage array ID")
	cmd.Flags().StringVar(&req.HostID, "host", "", "Attach to host")
	cmd.Flags().StringVar(&req.Schedule, "schedule", "", "Snapshot schedule (e.g. hourly)")
	cmd.Flags().StringVar(&req.ReplicaArrayID, "replica-array", "", "Replicate to array")
	cmd.MarkFlagRequired("size")

	return cmd
}

func newVolumeDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var hostID string

	cmd := &cobra.Command{
		Use:   "delete VOLUME_ID",
		Short: "Delete a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.DeleteVolume(args[0], hostID)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Volume deletion started: task %s", task.ID))
			printTasks(out, []TaskResponse{*task}, task)
			return nil
		},
	}

	cmd.Flags().StringVar(&hostID, "host", "", "Detach from host before deleting")

	return cmd
}

func newVolumeIngestCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var arrayID string

	cmd := &cobra.Command{
		Use:   "ingest VOLUME_ID...",
		Short: "Bring unmanaged volumes under management",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			volumes := make([]VolumeRequest, len(args))
			for i, id := range args {
				volumes[i] = VolumeRequest{VolumeID: id, ArrayID: arrayID}
			}

			resp, err := client.IngestVolumes(volumes)
			if err != nil {
				return err
			}

			for _, msg := range resp.Errors {
				out.Error(msg)
			}
			printTasks(out, resp.Tasks, resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&arrayID, "array", "", "Storage array ID")

	return cmd
}

// NewHostCmd создаёт группу команд для хостов.
func NewHostCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage hosts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rescan HOST_ID",
		Short: "Rescan host storage paths",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.RescanHost(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Host rescan started: task %s", task.ID))
			printTasks(out, []TaskResponse{*task}, task)
			return nil
		},
	})

	return cmd
}
