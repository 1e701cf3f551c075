package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/lukasbauer/insightchat/internal/app"
	"github.com/lukasbauer/insightchat/internal/httpapi"
	"golang.org/x/term"
)

// conversationView is what the REPL drives.
type conversationView interface {
	httpapi.Conversation
	Updates() <-chan struct{}
}

func main() {
	// Existing environment wins over .env.
	_ = godotenv.Load()
	cfg := app.LoadConfigFromEnv()

	// Logs go to stderr so they do not interleave with the transcript.
	logger := log.New(os.Stderr, "", log.LstdFlags)

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.Printf("sentry init failed: %v", err)
		} else {
			logger.Printf("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.Fatalf("init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("conversation stopped: %v", err)
		}
	}()

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           a.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Printf("local api listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("listen: %v", err)
			}
		}()
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if err := repl(ctx, a.Conversation(), os.Stdin, os.Stdout, interactive); err != nil {
		logger.Printf("repl: %v", err)
	}
	stop()
	<-runDone

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	_ = a.Close()
}

// repl reads commands from in until /quit, EOF or ctx is done, printing the
// transcript as it changes.
func repl(ctx context.Context, conv conversationView, in io.Reader, out io.Writer, interactive bool) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	if interactive {
		fmt.Fprintln(out, "insightchat - type /help for commands")
	}
	p := newPrinter(out)
	p.render(conv.Snapshot())

	lineCh, errCh := (<-chan string)(lines), (<-chan error)(readErr)
	// After end of input, keep printing until outstanding answers arrive.
	draining := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conv.Updates():
			s := conv.Snapshot()
			p.render(s)
			if draining && !s.Awaiting {
				return nil
			}
		case err := <-errCh:
			if err != nil || !conv.Snapshot().Awaiting {
				return err
			}
			draining, lineCh, errCh = true, nil, nil
		case line := <-lineCh:
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			err = execute(ctx, conv, cmd, out)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "!! %s\n", describe(err))
			}
			p.render(conv.Snapshot())
		}
	}
}
