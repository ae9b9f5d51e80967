package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchMetricsAddr string
	watchNotify      bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().BoolVar(&watchNotify, "notify", false, "show desktop notifications for direct messages")
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation]",
	Short: "Stream live events",
	Long:  "Connect to the live endpoint (or poll when none is configured) and print events until interrupted.\nWith a conversation argument, that conversation is kept open and its messages are printed as they arrive.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var k chatsync.Key
		if len(args) == 1 {
			var err error
			if k, err = chatsync.ParseKey(args[0]); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatsync.Metrics
		if watchMetricsAddr != "" {
			metrics = chatsync.NewMetrics(prometheus.DefaultRegisterer)
		}

		opts := []chatsync.SyncOption{chatsync.WithMetrics(metrics)}
		if watchNotify {
			opts = append(opts, chatsync.WithNotifications(chatsync.NewNotificationDispatcher(chatsync.DesktopNotifier{})))
		}
		e, err := newEngine(opts...)
		if err != nil {
			return err
		}
		defer e.Close()

		if watchMetricsAddr != "" {
			srv := serveMetrics(watchMetricsAddr)
			defer srv.Shutdown(context.Background())
			e.logger.Info("serving metrics", "addr", watchMetricsAddr)
		}

		authFailed := make(chan error, 1)
		e.sync.OnEvent(func(ev chatsync.Event) {
			if line := describeEvent(ev, time.Now()); line != "" {
				fmt.Println(line)
			}
			if ev.Type == chatsync.EventAuthRequired {
				select {
				case authFailed <- ev.Err:
				default:
				}
			}
		})

		if err := e.sync.LoadDirectory(ctx); err != nil {
			e.logger.Warn("directory load incomplete", "error", err)
		}
		if !k.IsZero() {
			if err := e.sync.Open(ctx, k); err != nil {
				e.logger.Warn("initial history fetch failed", "key", k.String(), "error", err)
			}
		}

		tm, ep, err := e.transport(metrics)
		if err != nil {
			return err
		}
		if err := tm.Connect(ctx, ep); err != nil {
			return err
		}
		defer tm.Disconnect()

		select {
		case <-ctx.Done():
			return nil
		case err := <-authFailed:
			return err
		}
	},
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return srv
}

// describeEvent renders an event for the watch stream. Events with nothing
// to show return "".
func describeEvent(ev chatsync.Event, now time.Time) string {
	switch ev.Type {
	case chatsync.EventMessageNew, chatsync.EventMessageConfirmed:
		if ev.Message == nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s", ev.Key, formatMessage(*ev.Message, now))
	case chatsync.EventMessageFailed:
		return fmt.Sprintf("[%s] send failed: %v", ev.Key, ev.Err)
	case chatsync.EventUnread:
		if ev.Count == 0 {
			return ""
		}
		line := fmt.Sprintf("[%s] %d unread", ev.Key, ev.Count)
		if ev.Message != nil {
			line += " | " + formatMessage(*ev.Message, now)
		}
		return line
	case chatsync.EventHistorySynced:
		if ev.Count == 0 {
			return ""
		}
		return fmt.Sprintf("[%s] synced %d new messages", ev.Key, ev.Count)
	case chatsync.EventFetchFailed:
		return fmt.Sprintf("[%s] history fetch failed: %v", ev.Key, ev.Err)
	case chatsync.EventTransport:
		return fmt.Sprintf("* transport %s", ev.State)
	case chatsync.EventTransportErr:
		return fmt.Sprintf("* transport error: %v", ev.Err)
	case chatsync.EventAuthRequired:
		return fmt.Sprintf("* authentication required: %v", ev.Err)
	case chatsync.EventDirectory:
		return fmt.Sprintf("* directory loaded (%d entries)", ev.Count)
	}
	return ""
}
