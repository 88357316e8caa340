package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/opentuwa/mediagate/config"
	"github.com/opentuwa/mediagate/internal/database"
	"github.com/opentuwa/mediagate/loggers/cli"
	"github.com/opentuwa/mediagate/router/tokens"
)

var issueArgs struct {
	Type      string
	Filename  string
	IP        string
	UserAgent string
	TTL       time.Duration
}

func newTokenCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "token",
		Short: "Issue or inspect media tokens with the configured secret",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetHandler(cli.Default)
			return readConfiguration()
		},
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token for one file, bound to the given client",
		Args:  cobra.NoArgs,
		RunE:  tokenIssueCmdRun,
	}
	issue.Flags().StringVar(&issueArgs.Type, "type", "", "the resource type (audio, image or data)")
	issue.Flags().StringVar(&issueArgs.Filename, "filename", "", "the file the token grants access to")
	issue.Flags().StringVar(&issueArgs.IP, "ip", "", "the client address the token is bound to")
	issue.Flags().StringVar(&issueArgs.UserAgent, "user-agent", "", "the User-Agent of the client the token is bound to")
	issue.Flags().DurationVar(&issueArgs.TTL, "ttl", 0, "override the configured token lifetime")
	_ = issue.MarkFlagRequired("type")
	_ = issue.MarkFlagRequired("filename")

	inspect := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Decode a token and report whether it would still be accepted",
		Args:  cobra.ExactArgs(1),
		RunE:  tokenInspectCmdRun,
	}

	command.AddCommand(issue, inspect)
	return command
}

func tokenIssueCmdRun(cmd *cobra.Command, _ []string) error {
	c := config.Get()
	t, ok := tokens.ParseResourceType(issueArgs.Type)
	if !ok {
		return errors.Errorf("unknown resource type \"%s\"", issueArgs.Type)
	}
	ttl := time.Duration(c.Tokens.TTL) * time.Second
	if issueArgs.TTL > 0 {
		ttl = issueArgs.TTL
	}
	s, err := tokens.NewSigner([]byte(c.Tokens.Secret), tokens.WithTTL(ttl), tokens.WithNonceSize(c.Tokens.NonceBytes))
	if err != nil {
		return err
	}
	token, err := s.Issue(t, issueArgs.Filename, tokens.NewRequester(issueArgs.IP, issueArgs.UserAgent))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func tokenInspectCmdRun(cmd *cobra.Command, args []string) error {
	c := config.Get()
	ledger, err := inspectionLedger(c)
	if err != nil {
		return err
	}
	v, err := tokens.NewVerifier([]byte(c.Tokens.Secret), ledger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p, err := v.Inspect(args[0])
	if p == nil {
		return err
	}
	fmt.Fprintln(out, "     Type:", p.Type)
	fmt.Fprintln(out, " Filename:", p.Filename)
	fmt.Fprintln(out, "  Expires:", p.ExpiresAt().Format(time.RFC3339))
	fmt.Fprintln(out, "    Nonce:", p.Nonce)
	fmt.Fprintln(out, "       IP:", p.IP)
	fmt.Fprintln(out, "  UA hash:", p.UAHash)
	fmt.Fprintln(out, "Signature:", validity(err == nil))
	fmt.Fprintln(out, "  Expired:", time.Now().After(p.ExpiresAt()))

	used, lerr := ledger.Has(context.Background(), p.Nonce)
	if lerr != nil {
		return lerr
	}
	fmt.Fprintln(out, " Consumed:", used)
	if err != nil {
		os.Exit(1)
	}
	return nil
}

// inspectionLedger opens the configured ledger read side. The in-memory ledger
// of a running instance is not reachable from here, so it always reports the
// nonce as unused.
func inspectionLedger(c *config.Configuration) (tokens.NonceLedger, error) {
	if c.Ledger.Driver != "sqlite" {
		return tokens.NewMemoryLedger(), nil
	}
	db, err := database.Open(database.Path(c.System.DataDirectory))
	if err != nil {
		return nil, err
	}
	return database.NewLedger(db), nil
}

func validity(ok bool) string {
	if ok {
		return "valid"
	}
	return "INVALID"
}
