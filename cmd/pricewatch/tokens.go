package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/price-watch/internal/config"
)

var errLocalStore = errors.New("inject-token needs CREDENTIAL_STORE=redis: " +
	"an in-memory credential is lost when this command exits, " +
	"use POST /api/v1/credentials to inject into a running serve")

// sharedStore reports whether a credential written by this process is seen
// by other processes.
func sharedStore(cfg config.CredentialConfig) error {
	if cfg.Store != "redis" {
		return errLocalStore
	}
	return nil
}

func newInjectTokenCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "inject-token <token>",
		Short: "Store an access token obtained by hand as the current credential",
		Long: `inject-token writes the token as primary credential (TTL CREDENTIAL_TTL)
and as backup (twice that) in the Redis credential store, where a running
monitor picks it up on its next query. It refuses to run with the memory
store; inject into a running serve through POST /api/v1/credentials instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := sharedStore(c.cfg.Credential); err != nil {
				return err
			}

			rt, err := newRuntime(ctx, c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			cred, err := rt.acquirer.Inject(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "stored %s (%s), expires %s\n",
				cred.Redacted(), cred.Source, cred.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
}

func newAcquireTokenCmd(c *cli) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "acquire-token",
		Short: "Visit the marketplace with the stealth browser and cache a fresh access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, c.cfg, c.logger, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			cred, err := rt.acquirer.Acquire(ctx, true)
			if err != nil {
				return err
			}
			token := cred.Redacted()
			if reveal {
				token = cred.Token
			}
			fmt.Fprintf(c.out, "%s\nsource=%s expires=%s\n",
				token, cred.Source, cred.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the full token instead of a prefix")
	return cmd
}
