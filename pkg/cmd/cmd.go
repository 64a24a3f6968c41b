// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/mpik8s/rdzv/pkg/cmd/local"
	"github.com/mpik8s/rdzv/pkg/cmd/probe"
	"github.com/mpik8s/rdzv/pkg/cmd/server"
	"github.com/mpik8s/rdzv/pkg/cmd/status"
	"github.com/mpik8s/rdzv/pkg/cmd/version"
	cerror "github.com/mpik8s/rdzv/pkg/errors"
	"github.com/spf13/cobra"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rdzv",
		Short: "Launcher-less rendezvous for parallel jobs",
		Long: "rdzv runs as the entry point of every unit of an indexed job. The units " +
			"discover each other and serve the process management protocol to their workers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
}

// AddSubCommands adds all the sub commands to the root command.
func AddSubCommands(cmd *cobra.Command) {
	cmd.AddCommand(server.NewCmdRun())
	cmd.AddCommand(local.NewCmdLocal())
	cmd.AddCommand(probe.NewCmdProbe())
	cmd.AddCommand(status.NewCmdStatus())
	cmd.AddCommand(version.NewCmdVersion())
}

// Run runs the root command. Errors left to cobra are usage errors.
func Run() {
	cmd := NewCmd()
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	AddSubCommands(cmd)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", cmd.CommandPath())
		os.Exit(cerror.ExitCodeInvalidUsage)
	}
}
