package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Moe-Sakura/anime-search-api/cmd/boot"
	"github.com/Moe-Sakura/anime-search-api/config"
	"github.com/Moe-Sakura/anime-search-api/rule"
	"github.com/Moe-Sakura/anime-search-api/server"
	"github.com/spf13/cobra"
)

var RulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "list loaded rules.",
	Long:  "list rules loaded from the local rule directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := boot.New(configPath, true)
		if err != nil {
			return err
		}
		defer app.Close()

		return printRules(app.Registry.Snapshot())
	},
}

var UpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "sync rules from the remote repository.",
	Long:  "sync rules from the remote repository into the local rule directory.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := boot.New(configPath, true)
		if err != nil {
			return err
		}
		defer app.Close()

		syncer := app.Syncer
		if force {
			syncer = app.NewSyncer(rule.WithForce(true))
		}

		res, err := server.Update(context.Background(), syncer, app.Loader, app.Registry, app.Logger)
		if res != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(res)
		}

		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{RulesCmd, UpdateCmd} {
		c.Flags().StringVar(&configPath, "config", config.DefaultPath, "set config file path")
	}
	UpdateCmd.Flags().BoolVar(&force, "force", false, "download every rule even if the commit did not change")
}

var (
	configPath string
	force      bool
)

func printRules(s *rule.Snapshot) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tEPISODES\tPROXY\tBASE URL")
	for _, r := range s.Rules() {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", r.Name, r.Version, r.HasEpisodes(), r.ProxyEligible, r.BaseURL)
	}
	fmt.Fprintf(w, "\n%d rules\n", s.Len())

	return w.Flush()
}
