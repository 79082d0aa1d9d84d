// Package cli implements dispatchctl, the command line client for dispatchd.
package cli

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/scheduled-dispatch/internal/gateway"
	"github.com/LeventeLantos/scheduled-dispatch/internal/logging"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/msgcache"
	"github.com/LeventeLantos/scheduled-dispatch/internal/recipient"
	"github.com/LeventeLantos/scheduled-dispatch/internal/session"
)

var (
	serverURL    string
	token        string
	tokenFile    string
	contactsFile string
	channelName  string
	countryCode  string
	logLevel     string

	log *logging.Logger
)

var errNoCredentials = errors.New("no credentials: set --token, --token-file or DISPATCH_TOKEN")

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Schedule and manage mail, sms and chat messages",
		Long:  "dispatchctl drafts messages locally, validates them against the lead time and submits them to a dispatchd server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			level := logLevel
			if level == "" {
				level = "warn"
			}
			log = logging.New(cmd.ErrOrStderr(), level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&serverURL, "server", envOr("DISPATCH_SERVER", "http://localhost:8080"), "dispatchd base URL")
	pf.StringVar(&token, "token", "", "bearer token (default $DISPATCH_TOKEN)")
	pf.StringVar(&tokenFile, "token-file", "", "file holding the bearer token, re-read when it expires")
	pf.StringVar(&contactsFile, "contacts", envOr("DISPATCH_CONTACTS", ""), "YAML contact directory")
	pf.StringVarP(&channelName, "channel", "c", "sms", "channel: mail, sms or chat")
	pf.StringVar(&countryCode, "country-code", recipient.DefaultCountryCode, "country code for local phone numbers")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newEditCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newSendNowCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func selectedChannel() (model.Channel, error) {
	return model.ParseChannel(channelName)
}

func newSession() (session.Session, error) {
	switch {
	case token != "":
		return session.NewStatic(token), nil
	case tokenFile != "":
		return session.NewFile(tokenFile), nil
	case os.Getenv("DISPATCH_TOKEN") != "":
		return session.NewStatic(os.Getenv("DISPATCH_TOKEN")), nil
	}
	return nil, errNoCredentials
}

// remote bundles the gateway of the selected channel with a list cache and
// the mutator that keeps the two consistent.
type remote struct {
	channel model.Channel
	gw      *gateway.HTTPGateway
	cache   *msgcache.Cache
	mut     *msgcache.Mutator
}

func newRemote() (*remote, error) {
	ch, err := selectedChannel()
	if err != nil {
		return nil, err
	}
	sess, err := newSession()
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(ch, serverURL, sess)
	if err != nil {
		return nil, err
	}
	c := msgcache.New(msgcache.Fetcher(gw))
	return &remote{channel: ch, gw: gw, cache: c, mut: msgcache.NewMutator(gw, c)}, nil
}

func loadDirectory() (recipient.MapDirectory, error) {
	if contactsFile == "" {
		return recipient.NewMapDirectory(), nil
	}
	return recipient.LoadDirectory(contactsFile)
}
