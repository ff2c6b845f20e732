package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI represents the main CLI structure
type CLI struct {
	Config    string `env:"CHATROUTER_CONFIG" help:"Path to the JSON config file (config.json when present)"`
	LogLevel  string `help:"Override basic_config.log_level"`
	LogFormat string `help:"Override basic_config.log_format (text, json)"`

	Serve ServeCmd `cmd:"" default:"1" help:"Run the HTTP chat service (default)"`
	Chat  ChatCmd  `cmd:"" help:"Chat interactively in the terminal"`
	Graph GraphCmd `cmd:"" help:"Print or export the chat graph as Mermaid"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("chatrouter"),
		kong.Description("Tool-using chat assistant with per-session memory"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
