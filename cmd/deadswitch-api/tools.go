package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/deadswitch/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signer token for an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSignerToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return writeJSON(map[string]any{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Identity the token signs for")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newRedeliverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "redeliver <switch-id>",
		Short: "Retry payload delivery for a triggered switch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			result, err := s.switches.Redeliver(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s.logger.Info("redelivery finished",
				zap.String("switch_id", result.SwitchID),
				zap.Int("delivered", len(result.Delivered)),
				zap.Int("failed", len(result.FailedDeliveries)))
			if err := writeJSON(result); err != nil {
				return err
			}
			if len(result.FailedDeliveries) > 0 {
				return fmt.Errorf("%d deliveries failed", len(result.FailedDeliveries))
			}
			return nil
		},
	}
}

func newReindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the switch index from the stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			count, err := s.switches.RebuildIndex(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(map[string]int{"indexed": count})
		},
	}
}

func writeJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
