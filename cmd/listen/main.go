// Command listen runs a single listen session from the terminal and prints
// the recognized track.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sonicres/internal/bootstrap"
	"sonicres/internal/domain"
	"sonicres/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	services, err := bootstrap.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}
	slog.SetDefault(services.Logger)

	if addr := services.Config.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(services),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		slog.Info("serving metrics", "addr", addr)
	}

	orchestrator := services.Orchestrator
	out := newConsole(os.Stdout)
	orchestrator.SetListener(out)
	defer orchestrator.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		interrupts := 0
		for {
			select {
			case <-signals:
			case <-ctx.Done():
				return
			}
			interrupts++
			if interrupts == 1 && orchestrator.Status().State == domain.SessionStateCapturing {
				fmt.Fprintln(os.Stderr, "stopping early, press Ctrl-C again to abort")
				orchestrator.StopRecording()
				continue
			}
			cancel()
			orchestrator.Destroy()
			out.abort()
			return
		}
	}()

	if err := orchestrator.StartRecording(ctx); err != nil {
		if out.aborted() {
			return 130
		}
		slog.Debug("listen session did not start", "error", err)
		return 1
	}

	select {
	case <-out.done:
	case <-ctx.Done():
	}
	if out.aborted() {
		fmt.Fprintln(os.Stderr, "aborted")
		return 130
	}
	if out.failed() {
		return 1
	}
	return 0
}

func metricsMux(services bootstrap.Services) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(services.Registry))
	return mux
}

// console prints session events and records how the session ended.
type console struct {
	w io.Writer

	mu      sync.Mutex
	failure bool
	stopped bool
	once    sync.Once
	done    chan struct{}
}

func newConsole(w io.Writer) *console {
	return &console{w: w, done: make(chan struct{})}
}

func (c *console) OnConnected() {
	c.printf("connected, listening...\n")
}

func (c *console) OnRecording(secondsRemaining int) {
	c.printf("  %2ds remaining\n", secondsRemaining)
}

func (c *console) OnProcessing() {
	c.printf("identifying...\n")
}

func (c *console) OnResult(result domain.Result) {
	c.printf("%s", formatResult(result))
}

func (c *console) OnError(message string) {
	c.mu.Lock()
	c.failure = true
	c.mu.Unlock()
	c.printf("error: %s\n", message)
	c.finish()
}

func (c *console) OnComplete() {
	c.finish()
}

func (c *console) abort() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.finish()
}

func (c *console) finish() {
	c.once.Do(func() { close(c.done) })
}

func (c *console) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *console) aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func formatResult(result domain.Result) string {
	if result.Type == domain.ResultTypeNoMatch {
		return result.Message + "\n"
	}
	if len(result.Matches) == 0 {
		return "no matches returned\n"
	}

	var b []byte
	for i, m := range result.Matches {
		b = fmt.Appendf(b, "%d. %s - %s", i+1, m.Artist, m.Title)
		if m.Album != "" {
			b = fmt.Appendf(b, " [%s", m.Album)
			if m.Year > 0 {
				b = fmt.Appendf(b, ", %d", m.Year)
			}
			b = append(b, ']')
		}
		b = fmt.Appendf(b, " (%.0f%%)\n", m.Confidence*100)
		if m.Links != nil {
			for _, link := range []string{m.Links.Spotify, m.Links.YouTube, m.Links.Apple, m.Links.SoundCloud} {
				if link != "" {
					b = fmt.Appendf(b, "   %s\n", link)
				}
			}
		}
	}
	return string(b)
}
