package main

import (
	"fmt"
	"time"

	"goalpath/pkg/config"
	"goalpath/pkg/rbac"
	"goalpath/pkg/util"

	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a bearer token for local testing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configEnv, configDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is not configured")
		}
		tok, err := util.GenerateJWT(tokenUser, tokenRole, cfg.JWT.Secret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User ID claim")
	tokenCmd.Flags().StringVar(&tokenRole, "role", rbac.RoleUser, "Role claim (user or admin)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
