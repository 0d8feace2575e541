package main

import (
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/chatrelay/internal/config"
	"github.com/zulandar/chatrelay/internal/db"
	"github.com/zulandar/chatrelay/internal/models"
	"github.com/zulandar/chatrelay/internal/relay"
	"gorm.io/gorm"
)

func newDoctorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database and app credentials",
		Long:  "Runs diagnostic checks: config file, env file, database connectivity, schema, and the API key of every app.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, configPath, relay.EnvCredentials{})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to chatrelay config file")
	return cmd
}

type checkResult struct {
	name   string
	status string // "PASS", "FAIL", "WARN"
	detail string
}

func runDoctor(cmd *cobra.Command, configPath string, creds relay.Credentials) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "chatrelay doctor")
	fmt.Fprintln(out, "================")

	var results []checkResult

	cfg, cfgResult := checkConfig(configPath)
	results = append(results, cfgResult)

	var gormDB *gorm.DB
	if cfg != nil {
		results = append(results, checkEnvFile(cfg))
		results = append(results, checkUpstream(cfg))
		var dbResult checkResult
		gormDB, dbResult = checkDatabase(cfg)
		results = append(results, dbResult)
	} else {
		results = append(results, checkResult{"Database", "FAIL", "skipped (no config)"})
	}

	if gormDB != nil {
		results = append(results, checkSchema(gormDB))
		results = append(results, checkApps(gormDB, creds)...)
	}

	passed, failed, warned := 0, 0, 0
	for _, r := range results {
		printCheckResult(out, r)
		switch r.status {
		case "PASS":
			passed++
		case "FAIL":
			failed++
		case "WARN":
			warned++
		}
	}

	fmt.Fprintf(out, "\n%d passed, %d failed, %d warning\n", passed, failed, warned)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func printCheckResult(out io.Writer, r checkResult) {
	fmt.Fprintf(out, "[%s] %s: %s\n", r.status, r.name, r.detail)
}

func checkConfig(path string) (*config.Config, checkResult) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := config.Parse(nil)
		if err != nil {
			return nil, checkResult{"Config file", "FAIL", err.Error()}
		}
		return cfg, checkResult{"Config file", "WARN", fmt.Sprintf("%s not found, using defaults", path)}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, checkResult{"Config file", "FAIL", fmt.Sprintf("%s: %v", path, err)}
	}
	return cfg, checkResult{"Config file", "PASS", path}
}

func checkEnvFile(cfg *config.Config) checkResult {
	if _, err := os.Stat(cfg.EnvFile); os.IsNotExist(err) {
		return checkResult{"Env file", "WARN", fmt.Sprintf("%s not found, using process environment only", cfg.EnvFile)}
	}
	if err := cfg.LoadEnvFile(); err != nil {
		return checkResult{"Env file", "FAIL", err.Error()}
	}
	return checkResult{"Env file", "PASS", cfg.EnvFile}
}

func checkUpstream(cfg *config.Config) checkResult {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return checkResult{"Upstream", "FAIL", err.Error()}
	}
	if u.Scheme != "https" {
		return checkResult{"Upstream", "WARN", fmt.Sprintf("%s is not https", cfg.Upstream.BaseURL)}
	}
	return checkResult{"Upstream", "PASS", fmt.Sprintf("%s (timeout %s)", cfg.Upstream.BaseURL, cfg.Upstream.Timeout)}
}

func checkDatabase(cfg *config.Config) (*gorm.DB, checkResult) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, checkResult{"Database", "FAIL", err.Error()}
	}
	if err := db.Ping(gormDB); err != nil {
		return nil, checkResult{"Database", "FAIL", err.Error()}
	}
	return gormDB, checkResult{"Database", "PASS", fmt.Sprintf("%s reachable", cfg.Database.Driver)}
}

func checkSchema(gormDB *gorm.DB) checkResult {
	var missing []string
	for _, m := range db.AllModels() {
		if !gormDB.Migrator().HasTable(m) {
			stmt := &gorm.Statement{DB: gormDB}
			if err := stmt.Parse(m); err == nil {
				missing = append(missing, stmt.Schema.Table)
			}
		}
	}
	if len(missing) > 0 {
		return checkResult{"Schema", "FAIL", fmt.Sprintf("missing tables %v (run `chatrelay db init`)", missing)}
	}
	return checkResult{"Schema", "PASS", fmt.Sprintf("%d tables present", len(db.AllModels()))}
}

func checkApps(gormDB *gorm.DB, creds relay.Credentials) []checkResult {
	var apps []models.App
	if err := gormDB.Order("id").Find(&apps).Error; err != nil {
		return []checkResult{{"Apps", "FAIL", err.Error()}}
	}
	if len(apps) == 0 {
		return []checkResult{{"Apps", "WARN", "no apps seeded (run `chatrelay db seed`)"}}
	}
	results := make([]checkResult, 0, len(apps))
	for i := range apps {
		a := &apps[i]
		name := fmt.Sprintf("App %s", a.Name)
		if _, err := creds.APIKey(a); err != nil {
			results = append(results, checkResult{name, "FAIL", err.Error()})
			continue
		}
		results = append(results, checkResult{name, "PASS", fmt.Sprintf("%s is set", a.APIKeyEnv)})
	}
	return results
}
