// arenactl is the admin CLI for an arena server. It drives the admin
// HTTP endpoints: environment and agent management, plugin upload and
// the ops surface.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arenaproj/arena/pkg/auth"
	"github.com/arenaproj/arena/pkg/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	cl := &client{}

	root := &cobra.Command{
		Use:           "arenactl",
		Short:         "Administer an arena evaluation server",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cl.url, "url",
		envOr("ARENA_URL", "http://localhost:8080"), "Base URL of the arena server")
	root.PersistentFlags().StringVar(&cl.adminPwd, "admin-pwd",
		os.Getenv("ARENA_ADMIN_PWD"), "Admin password (or set ARENA_ADMIN_PWD)")

	root.AddCommand(
		newMakeEnvCmd(cl),
		newDestroyEnvCmd(cl),
		newMakeAgentCmd(cl),
		newBlockAgentCmd(cl),
		newUnblockAgentCmd(cl),
		newUploadPluginCmd(cl),
		newResultsCmd(cl),
		newViewRunCmd(cl),
		newErrorsCmd(cl),
		newCleanupCmd(cl),
		newGenAdminHashCmd(),
	)
	return root
}

func newMakeEnvCmd(cl *client) *cobra.Command {
	var (
		envClass    string
		displayName string
		configJSON  string
		overwrite   bool
	)
	cmd := &cobra.Command{
		Use:   "make-env <env>",
		Short: "Create an environment instance from a registered class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"env_class":    envClass,
				"display_name": displayName,
				"overwrite":    overwrite,
			}
			if configJSON != "" {
				if !json.Valid([]byte(configJSON)) {
					return fmt.Errorf("--config is not valid JSON")
				}
				body["config"] = json.RawMessage(configJSON)
			}
			return cl.call(cmd, "PUT", "/makeenv/"+args[0], body)
		},
	}
	cmd.Flags().StringVar(&envClass, "class", "", "Environment class reference, e.g. arena.envs.nim:Nim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Human-readable environment name")
	cmd.Flags().StringVar(&configJSON, "config", "", "Environment config as a JSON object")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing environment")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("display-name")
	return cmd
}

func newDestroyEnvCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy-env <env>",
		Short: "Delete an environment with all its agents and runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "DELETE", "/destroyenv/"+args[0], map[string]any{})
		},
	}
}

func newMakeAgentCmd(cl *client) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "make-agent <env> <agent>",
		Short: "Create an agent account and print its generated password",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "POST", "/makeagent/"+args[0]+"/"+args[1],
				map[string]any{"overwrite": overwrite})
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Reset the password of an existing agent")
	return cmd
}

func newBlockAgentCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "block-agent <env> <agent>",
		Short: "Lock an agent account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "PUT", "/blockagent/"+args[0]+"/"+args[1], map[string]any{})
		},
	}
}

func newUnblockAgentCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock-agent <env> <agent>",
		Short: "Reactivate a locked agent account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "PUT", "/unblockagent/"+args[0]+"/"+args[1], map[string]any{})
		},
	}
}

func newUploadPluginCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "upload-plugin <archive.zip>",
		Short: "Upload an environment plugin archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return cl.upload(cmd, "/uploadplugin", data)
		},
	}
}

func newResultsCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "results [env]",
		Short: "Show agent ratings, optionally for a single environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/results"
			if len(args) == 1 {
				path += "/" + args[0]
			}
			return cl.call(cmd, "GET", path, nil)
		},
	}
}

func newViewRunCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "view-run <id>",
		Short: "Show one run's record and the environment's summary of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "GET", "/viewrun/"+args[0], nil)
		},
	}
}

func newErrorsCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "errors",
		Short: "Show the server's recent internal errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "GET", "/errors", nil)
		},
	}
}

func newCleanupCmd(cl *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete non-recent finished runs and compact the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.call(cmd, "GET", "/removenonrecentruns", nil)
		},
	}
}

// newGenAdminHashCmd runs locally; it does not talk to a server.
func newGenAdminHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-admin-hash",
		Short: "Generate an admin password and its hash for the server config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pwd, err := auth.GeneratePassword()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "password:", pwd)
			fmt.Fprintln(cmd.OutOrStdout(), "hash:    ", auth.HashPassword(pwd))
			return nil
		},
	}
}
