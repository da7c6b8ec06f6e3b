package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/config"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/log"
	"github.com/wenwu/saas-platform/edge-provisioner/internal/repository"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal("edge-provisioner failed", err)
	}
}

var rootCmd = &cobra.Command{
	Use:           "edge-provisioner",
	Short:         "Provision and operate VPN edge nodes",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("edge-provisioner %s (%s)\n", Version, Commit))

	serveCmd.Flags().Bool("migrate", true, "Apply the schema before serving")
	serveCmd.Flags().Bool("reconcile", true, "Run the background reconciliation loop")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Grace period for in-flight requests")
	seedCmd.Flags().StringP("file", "f", "locations.yaml", "Path to the location catalog")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API and the reconciliation loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		migrate, _ := cmd.Flags().GetBool("migrate")
		runLoop, _ := cmd.Flags().GetBool("reconcile")
		shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := connect(ctx, cfg, migrate)
		if err != nil {
			return err
		}
		defer pool.Close()

		a, err := newApp(cfg, pool)
		if err != nil {
			return err
		}

		if runLoop {
			a.reconciler.Start(ctx)
			defer a.reconciler.Stop()
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- a.server.Run(":" + cfg.Server.Port)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Logger.Error().Err(err).Msg("HTTP shutdown incomplete")
		}
		log.Logger.Info().Msg("Server exited")
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer pool.Close()

		a, err := newApp(cfg, pool)
		if err != nil {
			return err
		}

		res, sweepErr := a.reconciler.RunOnce(cmd.Context())
		if res != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		return sweepErr
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema and tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		pool.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "schema %s is up to date\n", cfg.Database.Schema)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed-locations",
	Short: "Upsert the location catalog into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")

		catalog, err := config.LoadLocationCatalog(path)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pool, err := connect(cmd.Context(), cfg, true)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := repository.NewLocationRepository(pool).Upsert(cmd.Context(), catalog.Locations); err != nil {
			return fmt.Errorf("seed locations: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d locations from %s\n", len(catalog.Locations), path)
		return nil
	},
}
