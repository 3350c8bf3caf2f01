// Package cli holds the bootstrap shared by the command binaries.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kdimtricp/imgcaption/internal/config"
	"github.com/kdimtricp/imgcaption/internal/database"
	"github.com/kdimtricp/imgcaption/internal/logging"
)

// Env is the loaded configuration and logger of one command run.
type Env struct {
	Config *config.Config
	Log    *zap.Logger
}

// Flags registers the flags every command shares and returns a pointer to
// the config file path.
func Flags(cmd *cobra.Command, v *viper.Viper) *string {
	var configPath string
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file (default ./imgcaption.yaml when present)")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().String("log-mode", "", "Log mode (production or development)")
	BindFlags(cmd, v, map[string]string{
		"log-level": "log.level",
		"log-mode":  "log.mode",
	})
	return &configPath
}

// DatabaseFlags registers the database connection flags.
func DatabaseFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().String("db", "", "Database type (sqlite or postgres)")
	cmd.Flags().String("db-host", "", "PostgreSQL host")
	cmd.Flags().Int("db-port", 0, "PostgreSQL port")
	cmd.Flags().String("db-user", "", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "", "PostgreSQL database name")
	cmd.Flags().String("db-path", "", "SQLite database file")
	BindFlags(cmd, v, map[string]string{
		"db":          "database.type",
		"db-host":     "database.host",
		"db-port":     "database.port",
		"db-user":     "database.user",
		"db-password": "database.password",
		"db-name":     "database.name",
		"db-path":     "database.path",
	})
}

// ModelFlags registers the model artifact flags.
func ModelFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().String("feature-model", "", "Feature extractor TFLite model")
	cmd.Flags().String("caption-model", "", "Caption decoder TFLite model")
	cmd.Flags().String("vocabulary", "", "Tokenizer JSON")
	cmd.Flags().Int("max-caption-length", 0, "Maximum caption length in tokens")
	cmd.Flags().Int("model-workers", 0, "Interpreters per model")
	cmd.Flags().Int("model-threads", 0, "Threads per interpreter (0 = auto)")
	BindFlags(cmd, v, map[string]string{
		"feature-model":      "model.feature_model_path",
		"caption-model":      "model.caption_model_path",
		"vocabulary":         "model.vocabulary_path",
		"max-caption-length": "model.max_caption_length",
		"model-workers":      "model.workers",
		"model-threads":      "model.threads",
	})
}

// BindFlags binds flag names to viper keys. Unknown flags are a programming
// error and panic.
func BindFlags(cmd *cobra.Command, v *viper.Viper, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}

// Load reads the configuration and builds the logger.
func Load(v *viper.Viper, configPath string) (*Env, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	return &Env{Config: cfg, Log: log}, nil
}

// OpenDatabase connects and brings the schema up to date.
func (e *Env) OpenDatabase() (*database.DB, error) {
	db, err := database.NewDB(e.Config.Database, e.Log.Named("database"))
	if err != nil {
		return nil, err
	}

	if err := db.RunMigrations(e.Config.MigrationsPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}
