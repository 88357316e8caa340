package cmd

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opentuwa/mediagate/config"
	"github.com/opentuwa/mediagate/internal/database"
	"github.com/opentuwa/mediagate/internal/models"
	"github.com/opentuwa/mediagate/loggers/cli"
	"github.com/opentuwa/mediagate/remote"
	"github.com/opentuwa/mediagate/system"
)

const DefaultLogLines = 200

var diagnosticsArgs struct {
	IncludeEndpoints bool
	IncludeLogs      bool
	LogLines         int
}

func newDiagnosticsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "diagnostics",
		Short: "Collect and print information about this mediagate instance to assist in debugging",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			log.SetHandler(cli.Default)
			return readConfiguration()
		},
		RunE: diagnosticsCmdRun,
	}
	command.Flags().IntVar(&diagnosticsArgs.LogLines, "log-lines", DefaultLogLines, "the number of log lines to include in the report")
	return command
}

// diagnosticsCmdRun prints a report about mediagate and its configuration.
// Secrets are never included; endpoints and logs only when asked for.
func diagnosticsCmdRun(cmd *cobra.Command, _ []string) error {
	questions := []*survey.Question{
		{
			Name:   "IncludeEndpoints",
			Prompt: &survey.Confirm{Message: "Do you want to include endpoints (i.e. the origin URLs)?", Default: false},
		},
		{
			Name:   "IncludeLogs",
			Prompt: &survey.Confirm{Message: "Do you want to include the latest logs?", Default: true},
		},
	}
	if err := survey.Ask(questions, &diagnosticsArgs); err != nil {
		return interrupted(err)
	}

	cfg := config.Get()
	output := &strings.Builder{}
	fmt.Fprintln(output, "mediagate - Diagnostics Report")

	printHeader(output, "Versions")
	fmt.Fprintln(output, "           mediagate:", system.Version)
	fmt.Fprintln(output, "                  Go:", runtime.Version())
	fmt.Fprintln(output, "                  OS:", runtime.GOOS+"/"+runtime.GOARCH)

	printHeader(output, "Configuration")
	fmt.Fprintln(output, "           Webserver:", redact(cfg.Api.Host), ":", cfg.Api.Port)
	fmt.Fprintln(output, "         SSL Enabled:", cfg.Api.Ssl.Enabled)
	fmt.Fprintln(output, "     Trusted Proxies:", len(cfg.Api.TrustedProxies))
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "           Token TTL:", cfg.Tokens.TTL, "seconds")
	fmt.Fprintln(output, "         Nonce Bytes:", cfg.Tokens.NonceBytes)
	fmt.Fprintln(output, "       Ledger Driver:", cfg.Ledger.Driver)
	fmt.Fprintln(output, "    Ledger Retention:", cfg.Ledger.Retention, "seconds")
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "  Session Issuer Set:", cfg.Session.IssuerToken != "")
	fmt.Fprintln(output, "   Override Key Set:", cfg.Session.DebugOverrideKey != "")
	fmt.Fprintln(output, "")
	fmt.Fprintln(output, "    Public Directory:", cfg.System.PublicDirectory)
	fmt.Fprintln(output, "      Logs Directory:", cfg.System.LogDirectory)
	fmt.Fprintln(output, "      Data Directory:", cfg.System.DataDirectory)
	fmt.Fprintln(output, "         Server Time:", time.Now().Format(time.RFC1123Z))
	fmt.Fprintln(output, "          Debug Mode:", cfg.Debug)

	printHeader(output, "Origins")
	for _, line := range checkOrigins(cmd.Context(), cfg) {
		fmt.Fprintln(output, line)
	}

	printHeader(output, "Nonce Ledger")
	if cfg.Ledger.Driver == "sqlite" {
		if db, err := database.Open(database.Path(cfg.System.DataDirectory)); err != nil {
			fmt.Fprintln(output, "Couldn't open ledger:", err)
		} else {
			var count int64
			db.Model(&models.ConsumedNonce{}).Count(&count)
			fmt.Fprintln(output, "    Consumed Nonces:", count)
		}
	} else {
		fmt.Fprintln(output, "In-memory ledger, not inspectable from outside the process.")
	}

	printHeader(output, "Latest Logs")
	if diagnosticsArgs.IncludeLogs {
		p := filepath.Join(cfg.System.LogDirectory, "mediagate.log")
		if c, err := exec.Command("tail", "-n", strconv.Itoa(diagnosticsArgs.LogLines), p).Output(); err != nil {
			fmt.Fprintln(output, "No logs found or an error occurred.")
		} else {
			fmt.Fprintf(output, "%s\n", string(c))
		}
	} else {
		fmt.Fprintln(output, "Logs redacted.")
	}

	fmt.Println("\n---------------  generated report  ---------------")
	fmt.Println(output.String())
	fmt.Print("---------------   end of report    ---------------\n\n")
	return nil
}

// checkOrigins requests the base URL of every configured origin and reports
// whether it answered at all. Any HTTP response counts as reachable.
func checkOrigins(ctx context.Context, cfg *config.Configuration) []string {
	if ctx == nil {
		ctx = context.Background()
	}
	client := remote.New(remote.WithTimeout(5 * time.Second))

	var mu sync.Mutex
	var lines []string
	g, ctx := errgroup.WithContext(ctx)
	for name, o := range cfg.Remote.Origins {
		name, o := name, o
		g.Go(func() error {
			status := "reachable"
			res, err := client.Fetch(ctx, o.BaseURL)
			if err == nil {
				status += " (" + strconv.Itoa(res.StatusCode) + ")"
				res.Body.Close()
			} else if remote.IsUpstreamStatusError(err) {
				status += " (" + err.Error() + ")"
			} else {
				status = "UNREACHABLE: " + err.Error()
			}
			mu.Lock()
			lines = append(lines, fmt.Sprintf("%20s: %s %s", name, redact(o.BaseURL), status))
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(lines) == 0 {
		return []string{"No origins configured."}
	}
	sort.Strings(lines)
	return lines
}

func redact(s string) string {
	if !diagnosticsArgs.IncludeEndpoints {
		return "{redacted}"
	}
	return s
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, "\n|\n|", title)
	fmt.Fprintln(w, "| ------------------------------")
}
