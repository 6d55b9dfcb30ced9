package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "autoclawd",
		Short: "Voice transcript to engineering action daemon",
		Long: `autoclawd turns spoken engineering intent into executed work.
It merges streamed transcript chunks, cleans them with a language model,
extracts actionable tasks, and drives an interactive coding agent to
carry them out.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}
