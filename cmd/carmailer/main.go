// Package main is the entry point for the carmailer mail-merge dispatcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/shineum/carmailer/internal/archive"
	"github.com/shineum/carmailer/internal/compose"
	"github.com/shineum/carmailer/internal/config"
	"github.com/shineum/carmailer/internal/content"
	"github.com/shineum/carmailer/internal/dispatch"
	"github.com/shineum/carmailer/internal/email"
	"github.com/shineum/carmailer/internal/provider"
	"github.com/shineum/carmailer/internal/provider/graph"
	"github.com/shineum/carmailer/internal/provider/ses"
	"github.com/shineum/carmailer/internal/provider/smtp"
	"github.com/shineum/carmailer/internal/provider/stdout"
)

const usageText = `Usage: carmailer [options] <smtp-server> <smtp-port> <username> [<password>] <recipients-file> <subject> <body-file>
       carmailer [options] <recipients-file> <subject> <body-file>

The short form takes the SMTP server and credentials from --config or the
environment, and is the usual form for the ses, graph and stdout providers.

The recipients file holds one recipient per line:
  <address>[|<tag1>|<tag2>...]
Occurrences of %1, %2, ... in the body are replaced with the recipient's tags.

Options:
`

// errUsage marks errors that should be followed by the usage text.
var errUsage = errors.New("usage error")

// options holds the parsed command line. Only flags present in set override
// the loaded configuration.
type options struct {
	configPath   string
	provider     string
	password     string
	from         string
	dryRun       bool
	bodyType     string
	batchSize    int
	batchDelay   int
	sendProgress string
	outputFolder string
	charset      string
	domain       string
	logLevel     string

	host           string
	port           int
	username       string
	recipientsFile string
	subject        string
	bodyFile       string

	set map[string]bool
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping after the current message", "signal", sig)
		cancel()
	}()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "carmailer: %v\n", err)
		}
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "Run 'carmailer -h' for usage.")
		}
		os.Exit(1)
	}
}

// run executes one mail-merge. Every error is fatal for the process; per
// recipient failures are reported through the log and the status message.
func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	applyOptions(cfg, opts)

	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if err := resolvePassword(cfg, os.Stdin); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	m, err := buildMail(cfg, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	dispatchOpts := []dispatch.Option{
		dispatch.WithObserver(dispatch.NewLogObserver(slog.Default())),
	}
	if cfg.Archive.OutputFolder != "" {
		arch, err := archive.New(ctx, cfg.Archive.OutputFolder, archive.Options{
			Region:   cfg.Archive.S3Region,
			Endpoint: cfg.Archive.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithArchiver(arch))
	}

	slog.Info("starting carmailer",
		"provider", prov.Name(),
		"recipients", len(m.Recipients),
		"batch_size", cfg.Batch.Size,
		"batch_delay", cfg.Batch.Delay.String(),
		"dry_run", opts.dryRun,
		"html", m.Body.HasHTML(),
		"charset", m.Body.Charset,
	)

	d := dispatch.New(prov, compose.New(nil), dispatchOpts...)
	res, err := d.Run(ctx, m, dispatch.SendOptions{
		DryRun:              opts.dryRun,
		StatusAddress:       opts.sendProgress,
		MaxMailsPerBatch:    cfg.Batch.Size,
		DelayBetweenBatches: cfg.Batch.Delay,
	})
	if res != nil {
		slog.Info("carmailer finished",
			"sent", res.Sent,
			"total", res.Total,
			"failures", len(res.Failures),
		)
		for _, r := range res.Failures {
			slog.Warn("failed recipient", "recipient", r.String())
		}
	}
	return err
}

// parseArgs parses flags followed by the positional arguments.
func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}

	fs := flag.NewFlagSet("carmailer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (optional)")
	fs.StringVar(&opts.provider, "provider", "", "delivery provider: smtp, ses, graph or stdout")
	fs.StringVar(&opts.password, "password", "", "SMTP password; prompted when omitted")
	fs.StringVar(&opts.from, "from", "", "From address (default: the SMTP username)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "build every message but do not send anything")
	fs.StringVar(&opts.bodyType, "body-type", "", "body type: html, text, auto or markdown (default auto)")
	fs.IntVar(&opts.batchSize, "batch-size", dispatch.DefaultMaxMailsPerBatch, "send at most n mails in a batch")
	fs.IntVar(&opts.batchDelay, "batch-delay", int(dispatch.DefaultDelayBetweenBatches/time.Second), "seconds to wait between batches")
	fs.StringVar(&opts.sendProgress, "send-progress", "", "send progress after each batch and the final status to this address")
	fs.StringVar(&opts.outputFolder, "output-folder", "", "write an .eml file per recipient to this folder or s3://bucket/prefix")
	fs.StringVar(&opts.charset, "charset", "", "charset of the body and recipients files (default: guessed)")
	fs.StringVar(&opts.domain, "domain", "", "right-hand side of generated Message-IDs (default: local hostname)")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { opts.set[f.Name] = true })

	pos := fs.Args()
	switch len(pos) {
	case 3:
		opts.recipientsFile, opts.subject, opts.bodyFile = pos[0], pos[1], pos[2]
	case 6, 7:
		port, err := strconv.Atoi(pos[1])
		if err != nil {
			fs.Usage()
			return nil, fmt.Errorf("%w: invalid smtp port %q", errUsage, pos[1])
		}
		opts.host, opts.port, opts.username = pos[0], port, pos[2]
		rest := pos[3:]
		if len(pos) == 7 {
			if !opts.set["password"] {
				opts.password = pos[3]
				opts.set["password"] = true
			}
			rest = pos[4:]
		}
		opts.recipientsFile, opts.subject, opts.bodyFile = rest[0], rest[1], rest[2]
	default:
		fs.Usage()
		return nil, fmt.Errorf("%w: expected 3, 6 or 7 arguments, got %d", errUsage, len(pos))
	}

	return opts, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// applyOptions lets the command line override the loaded configuration.
func applyOptions(cfg *config.Config, opts *options) {
	if opts.set["provider"] {
		cfg.Provider = strings.ToLower(opts.provider)
	}
	if opts.host != "" {
		cfg.SMTP.Host = opts.host
		cfg.SMTP.Port = opts.port
		cfg.SMTP.Username = opts.username
	}
	if opts.set["password"] {
		cfg.SMTP.Password = opts.password
	}
	if opts.set["from"] {
		cfg.Message.From = opts.from
	}
	if opts.set["body-type"] {
		cfg.Message.BodyType = opts.bodyType
	}
	if opts.set["batch-size"] {
		cfg.Batch.Size = opts.batchSize
	}
	if opts.set["batch-delay"] {
		cfg.Batch.Delay = time.Duration(opts.batchDelay) * time.Second
	}
	if opts.set["output-folder"] {
		cfg.Archive.OutputFolder = opts.outputFolder
	}
	if opts.set["charset"] {
		cfg.Message.Charset = opts.charset
	}
	if opts.set["domain"] {
		cfg.Message.IDDomain = opts.domain
	}
	if opts.set["log-level"] {
		cfg.Logging.Level = opts.logLevel
	}
}

// resolvePassword prompts for the SMTP password when a username is set
// without one. The prompt requires a terminal.
func resolvePassword(cfg *config.Config, in *os.File) error {
	if cfg.Provider != config.ProviderSMTP || !cfg.AuthEnabled() || cfg.SMTP.Password != "" {
		return nil
	}

	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("%w: password required for %s and stdin is not a terminal", errUsage, cfg.SMTP.Username)
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.SMTP.Username)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	cfg.SMTP.Password = string(pw)
	return nil
}

// buildMail loads the body and recipients and derives the shared headers.
func buildMail(cfg *config.Config, opts *options) (email.Mail, error) {
	mode, err := content.ParseBodyType(cfg.Message.BodyType)
	if err != nil {
		return email.Mail{}, err
	}

	body, err := content.ParseBody(opts.bodyFile, mode, cfg.Message.Charset)
	if err != nil {
		return email.Mail{}, err
	}

	recipients, err := content.ParseRecipients(opts.recipientsFile, body.Charset)
	if err != nil {
		return email.Mail{}, err
	}

	from := cfg.Message.From
	if from == "" {
		from = defaultFrom(cfg)
	}
	if from == "" {
		return email.Mail{}, errors.New("no From address: use --from")
	}

	domain := cfg.Message.IDDomain
	if domain == "" {
		if domain, err = os.Hostname(); err != nil || domain == "" {
			domain = "localhost"
		}
	}

	return email.Mail{
		Headers: email.Headers{
			From:            from,
			Subject:         opts.subject,
			UserAgent:       cfg.Message.UserAgent,
			MessageIDDomain: domain,
		},
		Recipients: recipients,
		Body:       body,
	}, nil
}

// defaultFrom is the sender identity of the selected provider.
func defaultFrom(cfg *config.Config) string {
	switch cfg.Provider {
	case config.ProviderGraph:
		return cfg.Graph.Sender
	default:
		return cfg.SMTP.Username
	}
}

// setupLogger configures the global slog logger with JSON (or text) output
// on stdout and the specified log level.
func setupLogger(level, format string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// selectProvider builds the delivery backend named by the configuration.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		slog.Info("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls_policy", cfg.SMTP.TLSPolicy,
			"auth_enabled", cfg.AuthEnabled(),
		)
		p, err := smtp.New(smtp.Config{
			Host:          cfg.SMTP.Host,
			Port:          cfg.SMTP.Port,
			Username:      cfg.SMTP.Username,
			Password:      cfg.SMTP.Password,
			TLSPolicy:     cfg.SMTP.TLSPolicy,
			TLSSkipVerify: cfg.SMTP.TLSSkipVerify,
			TLSCAFile:     cfg.SMTP.TLSCAFile,
			Timeout:       cfg.SMTP.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SMTP provider: %w", err)
		}
		return p, nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
