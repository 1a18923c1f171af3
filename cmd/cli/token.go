package cli

import (
	"fmt"
	"time"

	"supportdesk/internal/auth"
	"supportdesk/internal/config"
	"supportdesk/internal/models"

	"github.com/spf13/cobra"
)

var (
	flagSubject string
	flagRole    string
	flagTTL     time.Duration
)

// tokenCmd 签发测试/运维用的 HS256 令牌
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API and WebSocket authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		if flagSubject == "" {
			return fmt.Errorf("--sub is required")
		}
		role, ok := models.ParseRole(flagRole)
		if !ok {
			return fmt.Errorf("unknown role %q (want customer or operator)", flagRole)
		}
		ttl := flagTTL
		if ttl <= 0 {
			ttl = cfg.JWT.ExpiresIn
		}
		tok, err := auth.NewJWTAuthenticator(cfg.JWT.Secret, "").Issue(flagSubject, role, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "", "user id placed in the sub claim")
	tokenCmd.Flags().StringVar(&flagRole, "role", string(models.RoleCustomer), "customer or operator")
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (default jwt.expires_in)")
	rootCmd.AddCommand(tokenCmd)
}
