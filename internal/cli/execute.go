package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"otaupdater/internal/version"
)

// Execute runs the CLI with the provided args and manager.
func Execute(args []string, manager Manager, out, errOut io.Writer) int {
	return ExecuteContext(context.Background(), args, manager, out, errOut)
}

// ExecuteContext is Execute with a caller-controlled context; cancelling it
// stops serve and any streaming command.
func ExecuteContext(ctx context.Context, args []string, manager Manager, out, errOut io.Writer) int {
	cmd := NewRootCommand(manager, out, errOut)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(errOut, usageErr.Error())
			return ExitInvalidUsage
		}
		var runErr *runtimeError
		if errors.Is(err, context.Canceled) {
			return ExitRuntimeError
		}
		if !errors.As(err, &runErr) {
			// cobra's own flag and command errors
			fmt.Fprintln(errOut, err.Error())
			return ExitInvalidUsage
		}
		if jsonOutput, _ := cmd.PersistentFlags().GetBool("json"); !jsonOutput {
			fmt.Fprintln(errOut, "Error:", err.Error())
		}
		return ExitRuntimeError
	}
	return ExitSuccess
}

// NewRootCommand builds the root CLI command tree.
func NewRootCommand(manager Manager, out, errOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "otaupdater",
		Short:         "system update client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().Bool("json", false, "output JSONL")

	root.AddCommand(newServeCommand(manager))
	root.AddCommand(newCheckCommand(manager))
	root.AddCommand(newListCommand(manager))
	root.AddCommand(newDownloadCommand(manager))
	root.AddCommand(newInstallCommand(manager))
	root.AddCommand(newMigrateCommand(manager))
	root.AddCommand(newVersionCommand())

	return root
}

type usageError struct {
	err error
}

func (u *usageError) Error() string {
	if u.err == nil {
		return "invalid usage"
	}
	return u.err.Error()
}

func requireArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return &usageError{err: fmt.Errorf("requires %d argument(s)", n)}
		}
		return nil
	}
}

func newServeCommand(manager Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the updater daemon",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := manager.Serve(cmd.Context()); err != nil {
				return writeError(cmd, err)
			}
			return nil
		},
	}
}

func newCheckCommand(manager Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "check the server for a new update",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := manager.Check(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			msg := "no new updates found"
			if res.NewUpdate {
				msg = "new update available: " + res.DownloadID
			} else if res.DownloadID != "" {
				msg = "update already known: " + res.DownloadID
			}
			return writeEvent(cmd, ProgressEvent{Type: "result", Message: msg, Data: res})
		},
	}
}

func newListCommand(manager Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list known updates",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			updates, err := manager.List(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return writeEvent(cmd, ProgressEvent{Type: "result", Data: updates})
			}
			for _, u := range updates {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d%%\n", u.DownloadID, u.Version, u.Status, u.Progress); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newDownloadCommand(manager Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "download <id>",
		Short: "download and verify an update",
		Args:  requireArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamEvents(cmd, manager.Download(cmd.Context(), args[0]))
		},
	}
}

func newInstallCommand(manager Manager) *cobra.Command {
	return &cobra.Command{
		Use:   "install <id>",
		Short: "install a verified update",
		Args:  requireArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamEvents(cmd, manager.Install(cmd.Context(), args[0]))
		},
	}
}

func newMigrateCommand(manager Manager) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "database schema",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "list schema migrations",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			states, err := manager.Migrations(cmd.Context())
			if err != nil {
				return writeError(cmd, err)
			}
			if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
				return writeEvent(cmd, ProgressEvent{Type: "result", Data: states})
			}
			for _, s := range states {
				applied := "pending"
				if s.Applied {
					applied = "applied"
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%05d\t%s\t%s\n", s.Version, applied, s.Name); err != nil {
					return err
				}
			}
			return nil
		},
	}

	migrate.AddCommand(statusCmd)
	return migrate
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information",
		Args:  requireArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			return writeEvent(cmd, ProgressEvent{Type: "result", Message: info.String(), Data: info})
		},
	}
}

func streamEvents(cmd *cobra.Command, events <-chan ProgressEvent) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	var failure error
	for event := range events {
		if err := writeEventWithContext(ctx, cmd, event, jsonOutput); err != nil {
			return err
		}
		if event.Type == "error" {
			failure = errors.New(event.Message)
		}
	}
	if failure != nil {
		return &runtimeError{err: failure}
	}
	return nil
}

type runtimeError struct {
	err error
}

func (r *runtimeError) Error() string {
	if r.err == nil {
		return "runtime error"
	}
	return r.err.Error()
}

func writeError(cmd *cobra.Command, err error) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if jsonOutput {
		_ = writeEventWithContext(context.WithoutCancel(cmd.Context()), cmd, ProgressEvent{
			Type:    "error",
			Message: err.Error(),
		}, true)
	}
	return &runtimeError{err: err}
}

func writeEvent(cmd *cobra.Command, event ProgressEvent) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	return writeEventWithContext(cmd.Context(), cmd, event, jsonOutput)
}

func writeEventWithContext(ctx context.Context, cmd *cobra.Command, event ProgressEvent, jsonOutput bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		return encoder.Encode(event)
	}
	if event.Type == "progress" {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %d%%\n", event.Message, event.Percent)
		return err
	}
	if event.Message != "" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), event.Message)
		return err
	}
	return nil
}
