// Command procman runs the process manager: the HTTP API, the scheduler and
// the optional MCP tool server.
package main

import (
	"github.com/alecthomas/kong"
)

// CLI is the root command.
type CLI struct {
	Config string `name:"config" short:"c" help:"Settings file (default ~/.procman/settings.json)." type:"path"`

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API and the scheduler."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Serve MCP tools on stdio."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply store migrations."`
	Register RegisterCmd `cmd:"" help:"Synchronize description catalogs into the store."`
	Init     InitCmd     `cmd:"" help:"Write a settings file."`
	Version  VersionCmd  `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("procman"),
		kong.Description("Process manager for orchestration instances."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
