package search

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Moe-Sakura/anime-search-api/cmd/boot"
	"github.com/Moe-Sakura/anime-search-api/config"
	"github.com/Moe-Sakura/anime-search-api/engine"
	"github.com/spf13/cobra"
)

var SearchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "search all or selected sources and print NDJSON events.",
	Long:  "search all or selected sources and print NDJSON events to stdout, logs go to stderr.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return Run(strings.Join(args, " "))
	},
}

func init() {
	SearchCmd.Flags().StringVar(
		&ruleNames, "rules", "", "comma separated rule names, empty means all rules")
	SearchCmd.Flags().BoolVar(
		&episodes, "episodes", false, "expand episode lists of every result")
	SearchCmd.Flags().StringVar(
		&configPath, "config", config.DefaultPath, "set config file path")
}

var (
	ruleNames  string
	episodes   bool
	configPath string
)

func Run(keyword string) error {
	app, err := boot.New(configPath, true)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go app.Engine.Run(ctx)

	names := engine.ParseRuleNames(ruleNames)
	if len(names) == 0 {
		names = app.Registry.Names()
	}
	if len(names) == 0 {
		return fmt.Errorf("no rules in %s, run `anime-search update` first", app.Config.Rules.Dir)
	}

	return app.Engine.Search(ctx, engine.Request{
		ID:       "cli",
		Keyword:  keyword,
		Rules:    names,
		Episodes: episodes,
	}, engine.NewNDJSONSink(os.Stdout))
}
