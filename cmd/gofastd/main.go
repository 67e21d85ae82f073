// Command gofastd runs the gofastkv server: bootstrap a non-blocking
// listening socket, then hand it to the single-threaded event loop.
package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/armandparser/gofastkv/internal/config"
	"github.com/armandparser/gofastkv/internal/conn"
	"github.com/armandparser/gofastkv/internal/dispatch"
	"github.com/armandparser/gofastkv/internal/eventloop"
	"github.com/armandparser/gofastkv/internal/keyspace"
	"github.com/armandparser/gofastkv/internal/metrics"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "gofastd",
	Short:   "gofastkv - an in-memory key-value server",
	Version: version,
	RunE:    runServer,
}

func init() {
	rootCmd.PersistentFlags().StringP("host", "H", "127.0.0.1", "host to bind to")
	rootCmd.PersistentFlags().IntP("port", "p", 8080, "port to listen on")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().Duration("poll-timeout", time.Second, "epoll wait timeout")
	rootCmd.PersistentFlags().Int("max-conns", 10000, "soft cap on concurrent connections (validated only; not enforced or logged)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for the Prometheus /metrics endpoint, empty disables it")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("poll_timeout", rootCmd.PersistentFlags().Lookup("poll-timeout"))
	viper.BindPFlag("max_conns", rootCmd.PersistentFlags().Lookup("max-conns"))
	viper.BindPFlag("metrics_addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gofastd v%s\n", version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("%+v\n", cfg)
		return nil
	},
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("gofastd v%s starting on %s (log_level=%s)", version, cfg.Addr(), cfg.LogLevel)

	listenFd, err := bootstrapListener(cfg.Addr())
	if err != nil {
		return fmt.Errorf("bootstrap listener: %w", err)
	}
	defer unix.Close(listenFd)

	recs := metrics.NewRecorder()
	ks := keyspace.New()
	d := dispatch.New(ks, recs)

	loop, err := eventloop.New(listenFd, eventloop.Config{
		NewHandler:  func() conn.Handler { return d.Handle },
		Recorder:    recs,
		PollTimeout: cfg.PollTimeout,
		OnTick:      func() { recs.SetKeyCount(ks.Len()) },
	})
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(stop) }()

	var shutdownErr error
	select {
	case <-sigCh:
		log.Println("shutting down gofastd")
		close(stop)
		if err := <-loopErr; err != nil {
			shutdownErr = multierr.Append(shutdownErr, err)
		}
	case err := <-loopErr:
		if err != nil {
			log.Printf("event loop terminated: %v", err)
			shutdownErr = multierr.Append(shutdownErr, err)
		}
	}

	if err := loop.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Close(); err != nil {
			shutdownErr = multierr.Append(shutdownErr, err)
		}
	}

	return shutdownErr
}

// bootstrapListener creates, binds, and listens on addr, returning a
// non-blocking raw fd for the event loop to own. This is the plumbing the
// spec calls out of scope; it exists only to hand the loop a ready socket.
func bootstrapListener(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return -1, err
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, fmt.Errorf("unexpected listener type %T", ln)
	}

	raw, err := tcpLn.SyscallConn()
	if err != nil {
		ln.Close()
		return -1, err
	}

	var fd int
	var dupErr error
	ctrlErr := raw.Control(func(pfd uintptr) {
		fd, dupErr = unix.Dup(int(pfd))
	})
	// The Go runtime keeps ln's own fd; we dup our own so closing ln
	// (which we must, to release its goroutine bookkeeping) does not
	// also close the fd the event loop now owns.
	ln.Close()
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gofastd: %v\n", err)
		os.Exit(1)
	}
}
