package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeventeLantos/scheduled-dispatch/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		issuer  string
		ttl     time.Duration
		out     string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the server key",
		Long:  "Issue signs a token with JWT_SIGNING_KEY, the key dispatchd validates against. Use it for operators and test setups.",
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv("JWT_SIGNING_KEY")
			if key == "" {
				return errors.New("JWT_SIGNING_KEY is not set")
			}
			tok, exp, err := auth.NewTokenService(key, issuer, ttl).Issue(subject)
			if err != nil {
				return err
			}

			if out != "" {
				if err := os.WriteFile(out, []byte(tok+"\n"), 0o600); err != nil {
					return fmt.Errorf("write token: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "token for %s written to %s, expires %s\n", subject, out, exp.Format(time.RFC3339))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&subject, "subject", "", "user the token is issued to")
	fs.StringVar(&issuer, "issuer", envOr("JWT_ISSUER", "dispatchd"), "token issuer")
	fs.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	fs.StringVarP(&out, "output", "o", "", "write the token to a file for --token-file")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
