package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatrelay/internal/db"
	"github.com/zulandar/chatrelay/internal/models"
	"github.com/zulandar/chatrelay/internal/relay"
	"github.com/zulandar/chatrelay/internal/store"
)

func newAppsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "apps",
		Short: "List Dify apps and whether their API keys are set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApps(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatrelay config file")
	return cmd
}

func runApps(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	st, err := store.New(gormDB)
	if err != nil {
		return err
	}
	apps, err := st.ListApps(cmd.Context())
	if err != nil {
		return err
	}
	writeApps(cmd.OutOrStdout(), apps, relay.EnvCredentials{})
	return nil
}

func writeApps(out io.Writer, apps []models.App, creds relay.Credentials) {
	if len(apps) == 0 {
		fmt.Fprintln(out, "No apps configured. Run `chatrelay db seed`.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKEY VARIABLE\tKEY\tDESCRIPTION")
	for i := range apps {
		a := &apps[i]
		status := "set"
		if _, err := creds.APIKey(a); err != nil {
			status = "missing"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.APIKeyEnv, status, a.Description)
	}
	tw.Flush()
}
