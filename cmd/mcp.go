package cmd

import (
	"github.com/spf13/cobra"

	"github.com/SecondBrainAICo/CS-DevOpsAgent-sub002/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio so agents can
declare files and manage their sessions natively. Configure in your agent
with:

  {
    "mcpServers": {
      "devops-agent": { "command": "devops-agent", "args": ["mcp"] }
    }
  }

Available tools: coord_declare, coord_release, coord_check, coord_status,
session_list, session_close`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		srv := mcp.NewServer(a.ledger, a.registry, a.merge, buildVersion)
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
