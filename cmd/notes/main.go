// Command notes submits audio, whiteboard images and typed notes to the notes
// API, waits for the synthesized notes, and prints them as markdown or writes
// them as an HTML page with rendered math.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/notetaker/internal/client"
	"github.com/dunamismax/notetaker/internal/config"
	"github.com/dunamismax/notetaker/internal/render"
	"github.com/dunamismax/notetaker/internal/session"
	"github.com/dunamismax/notetaker/internal/telemetry"
)

type pathList []string

func (p *pathList) String() string {
	return strings.Join(*p, ",")
}

func (p *pathList) Set(value string) error {
	*p = append(*p, value)
	return nil
}

type options struct {
	apiURL          string
	audio           string
	images          pathList
	notes           string
	notesFile       string
	webhookURL      string
	out             string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	maxWait         time.Duration
	maxAttempts     int
	timeout         time.Duration
}

func main() {
	logger := log.New(os.Stderr, "[notes] ", log.LstdFlags|log.Lmsgprefix)
	if err := run(logger, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Fatalf("%v", err)
	}
}

func run(logger *log.Logger, args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	opts, err := parseFlags(args, cfg.Client)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "notetaker-cli",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	apiClient, err := client.NewClient(client.Config{
		BaseURL:         opts.apiURL,
		Timeout:         opts.timeout,
		PollInterval:    opts.pollInterval,
		MaxPollInterval: opts.maxPollInterval,
		MaxAttempts:     opts.maxAttempts,
		MaxWait:         opts.maxWait,
	}, logger)
	if err != nil {
		return err
	}

	s := session.New(apiClient)
	if err := collectInputs(s, opts, stdin); err != nil {
		return err
	}
	s.OnChange(func(snap session.Snapshot) {
		switch snap.Status {
		case session.StatusProcessing:
			logger.Printf("%s job_id=%s", snap.Status.Message(), snap.JobID)
		case session.StatusError:
			logger.Printf("%s err=%v", snap.Status.Message(), snap.Err)
		default:
			logger.Print(snap.Status.Message())
		}
	})

	notes, err := s.Generate(ctx)
	if err != nil {
		return err
	}

	if opts.out == "" {
		_, err := fmt.Fprintln(stdout, notes.Content)
		return err
	}

	page, err := render.Page(notes.Title, notes.Content)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.out, page, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.out, err)
	}
	logger.Printf("wrote notes to %s", opts.out)
	return nil
}

func parseFlags(args []string, defaults config.ClientConfig) (options, error) {
	var opts options
	fs := flag.NewFlagSet("notes", flag.ContinueOnError)
	fs.StringVar(&opts.apiURL, "api", defaults.BaseURL, "notes API base URL")
	fs.StringVar(&opts.audio, "audio", "", "lecture recording to upload")
	fs.Var(&opts.images, "image", "whiteboard or slide image to upload (repeatable)")
	fs.StringVar(&opts.notes, "notes", "", "typed notes")
	fs.StringVar(&opts.notesFile, "notes-file", "", "read typed notes from a file, or - for stdin")
	fs.StringVar(&opts.webhookURL, "webhook", "", "URL notified when synthesis finishes")
	fs.StringVar(&opts.out, "out", "", "write an HTML page here instead of printing markdown")
	fs.DurationVar(&opts.pollInterval, "poll-interval", defaults.PollInterval, "delay before each notes lookup")
	fs.DurationVar(&opts.maxPollInterval, "max-poll-interval", defaults.MaxPollInterval, "upper bound for the backed-off poll delay")
	fs.DurationVar(&opts.maxWait, "max-wait", defaults.MaxWait, "give up after this long (0 waits forever)")
	fs.IntVar(&opts.maxAttempts, "max-attempts", defaults.MaxAttempts, "give up after this many lookups (0 is unlimited)")
	fs.DurationVar(&opts.timeout, "timeout", defaults.RequestTimeout, "per-request timeout")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.notes != "" && opts.notesFile != "" {
		return options{}, errors.New("use either -notes or -notes-file, not both")
	}
	return opts, nil
}

func collectInputs(s *session.Session, opts options, stdin io.Reader) error {
	if opts.audio != "" {
		audio, err := client.FileAttachment(opts.audio)
		if err != nil {
			return err
		}
		s.SetAudio(&audio)
	}

	images := make([]client.Attachment, 0, len(opts.images))
	for _, path := range opts.images {
		image, err := client.FileAttachment(path)
		if err != nil {
			return err
		}
		images = append(images, image)
	}
	s.SetImages(images)

	notes := opts.notes
	switch opts.notesFile {
	case "":
	case "-":
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read notes from stdin: %w", err)
		}
		notes = string(raw)
	default:
		raw, err := os.ReadFile(opts.notesFile)
		if err != nil {
			return fmt.Errorf("read notes file: %w", err)
		}
		notes = string(raw)
	}
	s.SetNotesText(notes)
	s.SetWebhookURL(opts.webhookURL)
	return nil
}
