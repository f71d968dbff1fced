package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/hero365-voice/internal/handlers"
	"github.com/hubenschmidt/hero365-voice/internal/triage"
	"github.com/hubenschmidt/hero365-voice/internal/ws"
)

type cli struct {
	configPath string
	cfg        config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Real-time voice gateway: pause detection, triage and parallel handlers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(c.configPath)
			if err != nil {
				return err
			}
			if c.cfg, err = loadConfig(v); err != nil {
				return err
			}
			setupLogging(cmd.ErrOrStderr(), c.cfg.logLevel)
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (any format viper reads)")

	root.AddCommand(
		newServeCmd(c),
		newRouteCmd(c),
		newHandlersCmd(c),
	)
	return root
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func newRouteCmd(c *cli) *cobra.Command {
	var businessType string
	var permissions []string
	cmd := &cobra.Command{
		Use:   "route <utterance>",
		Short: "Show how an utterance would be routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := newRegistry(c.cfg, nil)
			if err != nil {
				return err
			}
			router := triage.NewRouter(reg, c.cfg.triage)
			sc := handlers.SessionContext{BusinessType: businessType, Permissions: permissions}
			dec := router.Route(strings.Join(args, " "), sc)
			out := map[string]any{"decision": dec, "selected": dec.Select(router.SelectRatio())}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&businessType, "business-type", "", "caller business type")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "caller permission (repeatable)")
	return cmd
}

func newHandlersCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the handler catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry(c.cfg, nil)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPRIORITY\tPERMISSIONS\tDEPENDS ON\tKEYWORDS")
			for _, d := range reg.All() {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", d.Name, d.Priority,
					strings.Join(d.RequiredPermissions, ","), strings.Join(d.DependsOn, ","), strings.Join(d.Keywords, ","))
			}
			return tw.Flush()
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := wireApp(initCtx, c.cfg)
	cancel()
	if err != nil {
		return err
	}
	defer a.Close()

	wsHandler, err := ws.NewHandler(a.engine, a.hub, ws.Options{
		MaxSessions: c.cfg.maxSessions,
		Format:      c.cfg.format,
		SampleRate:  c.cfg.sampleRate,
	})
	if err != nil {
		return err
	}

	go a.prober.Run(ctx)

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		registry:  a.registry,
		router:    a.router,
		prober:    a.prober,
		wsHandler: wsHandler,
		traces:    a.traces,
	})

	addr := ":" + c.cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	slog.Info("gateway starting", "addr", addr, "max_sessions", c.cfg.maxSessions,
		"stt_engine", c.cfg.sttEngine, "tts_engine", c.cfg.ttsEngine, "handlers", a.registry.Len())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		return err
	}
	slog.Info("gateway stopped")
	return nil
}
