package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"emperror.dev/errors"
	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/gin-gonic/gin"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/opentuwa/mediagate/config"
	"github.com/opentuwa/mediagate/internal/cron"
	"github.com/opentuwa/mediagate/internal/database"
	"github.com/opentuwa/mediagate/loggers/cli"
	"github.com/opentuwa/mediagate/metrics"
	"github.com/opentuwa/mediagate/remote"
	"github.com/opentuwa/mediagate/router"
	"github.com/opentuwa/mediagate/router/policy"
	"github.com/opentuwa/mediagate/router/session"
	"github.com/opentuwa/mediagate/router/tokens"
	"github.com/opentuwa/mediagate/system"
)

var (
	configPath              = config.DefaultLocation
	debug                   = false
	useAutomaticTls         = false
	tlsHostname             = ""
	showVersion             = false
	ignoreCertificateErrors = false
)

var rootCommand = &cobra.Command{
	Use:   "mediagate",
	Short: "Runs the signed single-use media tunnel",
	PreRun: func(cmd *cobra.Command, args []string) {
		if useAutomaticTls && len(tlsHostname) == 0 {
			fmt.Println("A TLS hostname must be provided when running mediagate with automatic TLS, e.g.:\n\n    ./mediagate --auto-tls --tls-hostname media.example.com")
			os.Exit(1)
		}
	},
	Run: rootCmdRun,
}

func init() {
	rootCommand.PersistentFlags().BoolVar(&showVersion, "version", false, "show the version and exit")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run mediagate in debug mode")
	rootCommand.PersistentFlags().BoolVar(&useAutomaticTls, "auto-tls", false, "pass in order to have mediagate generate and manage its own SSL certificates using Let's Encrypt")
	rootCommand.PersistentFlags().StringVar(&tlsHostname, "tls-hostname", "", "required with --auto-tls, the FQDN for the generated SSL certificate")
	rootCommand.PersistentFlags().BoolVar(&ignoreCertificateErrors, "ignore-certificate-errors", false, "if passed any SSL certificate errors from origins will be ignored")

	rootCommand.AddCommand(newTokenCommand())
	rootCommand.AddCommand(newConfigureCommand())
	rootCommand.AddCommand(newDiagnosticsCommand())
}

// Execute calls cobra to handle cli commands
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		log.Fatal(err.Error())
	}
}

// readConfiguration resolves the configuration path against the working
// directory and loads it into the global configuration.
func readConfiguration() error {
	p := configPath
	if !filepath.IsAbs(p) {
		d, err := os.Getwd()
		if err != nil {
			return err
		}
		p = path.Clean(path.Join(d, configPath))
	}
	if s, err := os.Stat(p); err != nil {
		return err
	} else if s.IsDir() {
		return errors.New("cannot use directory as configuration file path")
	}
	return config.FromFile(p)
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	if showVersion {
		fmt.Println(system.Version)
		os.Exit(0)
	}

	if err := readConfiguration(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			exitWithConfigurationNotice()
		}
		log.WithField("error", err).Fatal("failed to load configuration")
		return
	}
	if debug {
		config.SetDebugViaFlag(debug)
	}
	c := config.Get()

	printLogo()
	if err := configureLogging(c.System.LogDirectory, c.Debug); err != nil {
		log.WithField("error", err).Fatal("failed to configure logging")
		return
	}

	log.WithField("path", c.GetPath()).Info("loading configuration from path")
	if c.Debug {
		log.Debug("running in debug mode")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ledger, err := openLedger(c)
	if err != nil {
		log.WithField("error", err).Fatal("failed to open nonce ledger")
		return
	}

	s, err := cron.Scheduler(ctx, ledger, time.Duration(c.Ledger.Retention)*time.Second, time.Duration(c.Ledger.PruneInterval)*time.Second)
	if err != nil {
		log.WithField("error", err).Fatal("failed to initialize cron system")
		return
	}
	log.WithField("subsystem", "cron").Info("starting cron processes")
	s.StartAsync()
	defer s.Stop()

	services, err := newServices(c, ledger)
	if err != nil {
		log.WithField("error", err).Fatal("failed to configure media tunnel")
		return
	}

	if c.Metrics.Enabled {
		go metrics.Serve(ctx, c.Metrics.Bind)
	}

	log.WithFields(log.Fields{
		"use_ssl":      c.Api.Ssl.Enabled,
		"use_auto_tls": useAutomaticTls && len(tlsHostname) > 0,
		"host_address": c.Api.Host,
		"host_port":    c.Api.Port,
		"ledger":       c.Ledger.Driver,
	}).Info("configuring webserver")

	if err := serve(ctx, c, router.Configure(services)); err != nil {
		log.WithField("error", err).Fatal("failed to run HTTP server")
	}
	log.Info("shutdown complete")
}

// openLedger returns the nonce ledger selected in the configuration.
func openLedger(c *config.Configuration) (tokens.NonceLedger, error) {
	if c.Ledger.Driver != "sqlite" {
		log.Warn("using the in-memory nonce ledger: consumed tokens are forgotten on restart and not shared between instances")
		return tokens.NewMemoryLedger(), nil
	}
	if err := os.MkdirAll(c.System.DataDirectory, 0o700); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := database.Initialize(c.System.DataDirectory); err != nil {
		return nil, err
	}
	log.WithField("directory", c.System.DataDirectory).Info("using the sqlite nonce ledger")
	return database.NewLedger(database.Instance()), nil
}

// newServices builds the signer, verifier, origin proxy, session manager and
// policy gate from the configuration.
func newServices(c *config.Configuration, ledger tokens.NonceLedger) (router.Services, error) {
	var s router.Services

	secret := []byte(c.Tokens.Secret)
	opts := []tokens.Option{
		tokens.WithTTL(time.Duration(c.Tokens.TTL) * time.Second),
		tokens.WithNonceSize(c.Tokens.NonceBytes),
	}
	signer, err := tokens.NewSigner(secret, opts...)
	if err != nil {
		return s, err
	}
	verifier, err := tokens.NewVerifier(secret, ledger, opts...)
	if err != nil {
		return s, err
	}

	origins := make(map[string]remote.Origin, len(c.Remote.Origins))
	for name, o := range c.Remote.Origins {
		origins[name] = remote.Origin{BaseURL: o.BaseURL, AllowedSuffixes: o.AllowedSuffixes}
	}
	resolver, err := remote.NewResolver(origins)
	if err != nil {
		return s, err
	}
	clientOpts := []remote.ClientOption{
		remote.WithTimeout(time.Duration(c.Remote.Timeout) * time.Second),
		remote.WithRetries(c.Remote.Retries),
	}
	if ignoreCertificateErrors {
		log.Warn("running with --ignore-certificate-errors: origin TLS certificates will not be verified")
		clientOpts = append(clientOpts, remote.WithHttpClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}))
	}
	proxy := remote.NewProxy(
		remote.New(clientOpts...),
		resolver,
		remote.WithCacheMaxAge(c.Remote.CacheMaxAge),
		remote.WithBandwidthLimit(c.Remote.StreamBytesPerSecond),
	)

	codec, err := session.New([]byte(c.Session.Secret), time.Duration(c.Session.MaxAge)*time.Second)
	if err != nil {
		return s, err
	}
	if c.Session.IssuerToken == "" {
		log.Warn("session.issuer_token is not set: session establishment endpoints are disabled")
	}
	if c.Session.DebugOverrideKey != "" {
		log.Warn("the operator override key is enabled: anyone holding it gains a premium session")
	}

	return router.Services{
		Signer:   signer,
		Verifier: verifier,
		Proxy:    proxy,
		Sessions: session.NewManager(codec, c.Session.CookieName),
		Gate: policy.NewGate(policy.Tables{
			PremiumDocument:   c.Policy.PremiumDocument,
			GuestDocument:     c.Policy.GuestDocument,
			GuestFiles:        c.Policy.GuestFiles,
			GuestPrefixes:     c.Policy.GuestPrefixes,
			ProtectedPrefixes: c.Policy.ProtectedPrefixes,
		}),
	}, nil
}

// serve runs the public webserver until the context is canceled, then shuts
// it down gracefully.
func serve(ctx context.Context, c *config.Configuration, handler http.Handler) error {
	s := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", c.Api.Host, c.Api.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,

		TLSConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			// @see https://blog.cloudflare.com/exposing-go-on-the-internet
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			},
			MinVersion:       tls.VersionTLS12,
			MaxVersion:       tls.VersionTLS13,
			CurvePreferences: []tls.CurveID{tls.X25519, tls.CurveP256},
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdown)
	})

	g.Go(func() error {
		var err error
		switch {
		case useAutomaticTls && len(tlsHostname) > 0:
			m := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				Cache:      autocert.DirCache(filepath.Join(c.System.DataDirectory, ".tls-cache")),
				HostPolicy: autocert.HostWhitelist(tlsHostname),
			}
			log.WithField("hostname", tlsHostname).
				Info("webserver is now listening with auto-TLS enabled; certificates will be automatically generated by Let's Encrypt")

			s.TLSConfig.GetCertificate = m.GetCertificate
			s.TLSConfig.NextProtos = append(s.TLSConfig.NextProtos, acme.ALPNProto) // enable tls-alpn ACME challenges

			go func() {
				if err := http.ListenAndServe(":http", m.HTTPHandler(nil)); err != nil {
					log.WithError(err).Error("failed to serve autocert http server")
				}
			}()
			err = s.ListenAndServeTLS("", "")
		case c.Api.Ssl.Enabled:
			err = s.ListenAndServeTLS(strings.TrimSpace(c.Api.Ssl.CertificateFile), strings.TrimSpace(c.Api.Ssl.KeyFile))
		default:
			s.TLSConfig = nil
			err = s.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// configureLogging sets the global apex logger to write to the terminal and
// to a rotated file in the log directory.
func configureLogging(logDir string, debug bool) error {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return err
	}
	p := filepath.Join(logDir, "mediagate.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		return errors.WithMessage(err, "failed to open process log file")
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	log.SetHandler(multi.New(
		cli.Default,
		cli.New(w.File, false),
	))

	log.WithField("path", p).Info("writing log files to disk")
	return nil
}

// Prints the mediagate logo, nothing special here!
func printLogo() {
	fmt.Printf(colorstring.Color(`
                   ___                   __
  __ _  ___ ___/ (_)__ ____ ____ _/ /____
 /  ' \/ -_) _  / / _ `+"`"+`/ _ `+"`"+`/ _ `+"`"+`/ __/ -_)
/_/_/_/\__/\_,_/_/\_,_/\_, /\_,_/\__/\__/
                      /___/ [bold]v%s[reset]

[blue][bold]signed single-use media tunnel[reset]%s`), system.Version, "\n\n")
}

func exitWithConfigurationNotice() {
	fmt.Print(colorstring.Color(`
[_red_][white][bold]Error: Configuration File Not Found[reset]

mediagate was not able to locate your configuration file, and therefore is
not able to complete its boot process.

Please ensure you have created your configuration file in the default
location, or have provided the --config flag to use a custom location. The
"configure" command can generate one for you.

Default Location: /etc/mediagate/config.yml

`))
	os.Exit(1)
}
