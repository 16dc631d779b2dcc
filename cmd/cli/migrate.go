package cli

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"telemed/internal/config"
	"telemed/internal/services"
	"telemed/internal/store"
)

var flagSeed bool

// migrateCmd 对 Postgres 执行表结构迁移
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			return err
		}
		logger := logrus.StandardLogger()

		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		gs := store.NewGormStore(db, logger)
		defer gs.Close()

		logger.Info("Starting database migration...")
		if err := gs.AutoMigrate(); err != nil {
			return err
		}
		logger.Info("Database migration completed")

		if flagSeed {
			identity := services.NewJWTIdentityProvider(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL, nil)
			accounts := services.NewAccountService(gs, identity, nil, logger)
			n, err := accounts.SeedSampleUsers(cmd.Context())
			if err != nil {
				return err
			}
			logger.WithField("created", n).Info("sample users seeded")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&flagSeed, "seed", false, "also insert the sample patient and doctor accounts")
}
