package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"telemed/internal/config"
	"telemed/internal/models"
	"telemed/internal/services"
)

var (
	flagUserID  string
	flagRole    string
	flagTTL     time.Duration
	flagRefresh bool
)

// tokenCmd 为测试或运维签发访问令牌
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		tok, err := issueToken(cmd.Context(), cfg, flagUserID, models.Role(strings.ToLower(flagRole)), flagTTL, flagRefresh)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func issueToken(ctx context.Context, cfg *config.Config, userID string, role models.Role, ttl time.Duration, refresh bool) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("--user-id is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("--role must be patient or doctor, got %q", role)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	accessTTL, refreshTTL := cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL
	if ttl > 0 {
		accessTTL, refreshTTL = ttl, ttl
	}
	identity := services.NewJWTIdentityProvider(cfg.JWT.Secret, cfg.JWT.Issuer, accessTTL, refreshTTL, nil)
	if !refresh {
		return identity.IssueAccessToken(ctx, userID, role)
	}
	pair, err := identity.IssueTokens(ctx, &models.User{ID: userID, Role: role})
	if err != nil {
		return "", err
	}
	return pair.RefreshToken, nil
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&flagUserID, "user-id", "", "user id to embed in the token (e.g. patient-1)")
	tokenCmd.Flags().StringVar(&flagRole, "role", string(models.RolePatient), "role claim: patient or doctor")
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (defaults to jwt.access_ttl / jwt.refresh_ttl)")
	tokenCmd.Flags().BoolVar(&flagRefresh, "refresh", false, "issue a refresh token instead of an access token")
}
