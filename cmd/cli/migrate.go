package cli

import (
	"context"
	"fmt"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/models"
	"supportdesk/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := config.InitLogger(cfg); err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		logrus.Info("Starting database migration...")
		if err := store.NewGormStore(db).Migrate(cmd.Context()); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logrus.Info("Database migration completed successfully")
		return nil
	},
}

var (
	flagUserID      string
	flagUsername    string
	flagDisplayName string
	flagUserRole    string
)

// userCmd 注册用户；用户表是身份与角色的唯一来源
var userCmd = &cobra.Command{
	Use:   "user-add",
	Short: "Register a customer or operator account",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, ok := models.ParseRole(flagUserRole)
		if !ok {
			return fmt.Errorf("unknown role %q (want customer or operator)", flagUserRole)
		}
		if flagUsername == "" {
			return fmt.Errorf("--username is required")
		}
		id := flagUserID
		if id == "" {
			id = uuid.NewString()
		}
		cfg := config.Load()
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		u := &models.User{
			ID:          id,
			Username:    flagUsername,
			DisplayName: flagDisplayName,
			Role:        role,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := store.NewGormStore(db).CreateUser(ctx, u); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		fmt.Println(u.ID)
		return nil
	},
}

func init() {
	userCmd.Flags().StringVar(&flagUserID, "id", "", "user id (default random uuid)")
	userCmd.Flags().StringVar(&flagUsername, "username", "", "unique login name")
	userCmd.Flags().StringVar(&flagDisplayName, "name", "", "display name shown to the other party")
	userCmd.Flags().StringVar(&flagUserRole, "role", string(models.RoleCustomer), "customer or operator")
	rootCmd.AddCommand(migrateCmd, userCmd)
}
