package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/karasz/pseudonym"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var addr, certFile, keyFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the moderation API and the ledger janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			if addr == "" {
				addr = e.cfg.Server.Listen
			}

			metrics := pseudonym.NewMetrics()
			srv := pseudonym.NewServer(e.ring, e.store)
			srv.Logger, srv.Metrics = e.logger, metrics
			poster, err := newPoster(e)
			if err != nil {
				return err
			}
			srv.Poster = poster
			for _, m := range e.cfg.Server.Moderators {
				srv.AddModerator(m.Token, pseudonym.Moderator{ID: m.ID, Guilds: m.Guilds, Owner: m.Owner})
			}
			if len(e.cfg.Server.Moderators) == 0 {
				e.logger.Warn("no moderators configured; every API call will be refused")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			grp, ctx := errgroup.WithContext(ctx)

			hs := srv.HTTPServer(addr)
			grp.Go(func() error {
				e.logger.Info("moderation API listening", "addr", addr, "tls", certFile != "")
				var err error
				if certFile != "" {
					err = hs.ListenAndServeTLS(certFile, keyFile)
				} else {
					err = hs.ListenAndServe()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			grp.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return hs.Shutdown(shutdownCtx)
			})
			if e.cfg.Janitor.PruneCron != "" {
				j := &pseudonym.Janitor{
					Ledger:    e.store,
					Cron:      e.cfg.Janitor.PruneCron,
					Retention: e.cfg.Janitor.Retention,
					Logger:    e.logger,
				}
				grp.Go(func() error {
					if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}
			return grp.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&certFile, "tls-cert", "", "TLS certificate file; serves HTTPS when set")
	cmd.Flags().StringVar(&keyFile, "tls-key", "", "TLS private key file")
	cmd.MarkFlagsRequiredTogether("tls-cert", "tls-key")
	return cmd
}

func pruneCmd(g *globalFlags) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete rate-limit ledger entries older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := g.open()
			if err != nil {
				return err
			}
			defer e.Close()
			if retention <= 0 {
				retention = e.cfg.Janitor.Retention
			}
			j := &pseudonym.Janitor{Ledger: e.store, Retention: retention, Logger: e.logger}
			n, err := j.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": n})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "retention period (default from config)")
	return cmd
}
