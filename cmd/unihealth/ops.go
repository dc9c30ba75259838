package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unihealth/unihealth/internal/domain/account"
	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/platform/auth"
	"github.com/unihealth/unihealth/internal/platform/blobstore"
	"github.com/unihealth/unihealth/internal/platform/changefeed"
	"github.com/unihealth/unihealth/internal/platform/db"
	"github.com/unihealth/unihealth/internal/platform/sandbox"
	"github.com/unihealth/unihealth/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS, "").Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, "").Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	defaults := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the database with sandbox doctors, patients and records",
		RunE: func(cmd *cobra.Command, args []string) error {
			seedCfg := sandbox.DefaultSeedConfig()
			f := cmd.Flags()
			seedCfg.DoctorCount, _ = f.GetInt("doctors")
			seedCfg.PatientCount, _ = f.GetInt("patients")
			seedCfg.AppointmentsPerPatient, _ = f.GetInt("appointments")
			seedCfg.PrescriptionsPerPatient, _ = f.GetInt("prescriptions")
			seedCfg.CertificatesPerPatient, _ = f.GetInt("certificates")
			seedCfg.Password, _ = f.GetString("password")
			seedCfg.Seed, _ = f.GetInt64("seed")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			if !cfg.UsesPostgres() {
				return errPostgresRequired
			}
			b, err := openBackend(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer b.Close()

			pub, err := newPublisher(cfg, logger)
			if err != nil {
				return err
			}
			defer pub.Close()

			feed := changefeed.New(b.tree, pub, logger)
			tokens := auth.NewTokenIssuer(cfg.SigningKey(), cfg.AuthIssuer, cfg.AuthTokenTTL)
			seeder := sandbox.NewSeeder(account.NewService(feed, tokens, logger), records.NewService(feed), logger)

			result, err := seeder.Seed(ctx, seedCfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Seeded %d doctor(s), %d patient(s), %d appointment(s), %d prescription(s), %d certificate(s).\n",
				result.Doctors, result.Patients, result.Appointments, result.Prescriptions, result.Certificates)
			for _, a := range result.Accounts {
				fmt.Fprintf(out, "%-8s %-45s %s\n", a.Role, a.Email, a.UID)
			}
			return nil
		},
	}
	cmd.Flags().Int("doctors", defaults.DoctorCount, "Number of doctor accounts")
	cmd.Flags().Int("patients", defaults.PatientCount, "Number of patient accounts")
	cmd.Flags().Int("appointments", defaults.AppointmentsPerPatient, "Appointments per patient")
	cmd.Flags().Int("prescriptions", defaults.PrescriptionsPerPatient, "Prescriptions per patient")
	cmd.Flags().Int("certificates", defaults.CertificatesPerPatient, "Certificates per patient")
	cmd.Flags().String("password", defaults.Password, "Password for every seeded account")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one)")
	return cmd
}

// withExporter opens the Postgres tree and the snapshot bucket and runs fn.
func withExporter(fn func(ctx context.Context, e *blobstore.Exporter) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	if !cfg.UsesPostgres() {
		return errPostgresRequired
	}
	b, err := openBackend(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer b.Close()

	store, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, blobstore.NewExporter(b.tree, store, logger))
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [path]",
		Short: "Export a subtree snapshot to the snapshot bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return withExporter(func(ctx context.Context, e *blobstore.Exporter) error {
				obj, err := e.Export(ctx, path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d bytes to %s (sha256 %s).\n", obj.Size, obj.Key, obj.Hash)
				return nil
			})
		},
	}
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore [path]",
		Short: "Replace a subtree with a snapshot from the snapshot bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			key, _ := cmd.Flags().GetString("key")
			return withExporter(func(ctx context.Context, e *blobstore.Exporter) error {
				if key == "" {
					latest, err := e.Latest(ctx, path)
					if err != nil {
						return err
					}
					key = latest.Key
				}
				if err := e.Restore(ctx, key, path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s.\n", displayPath(path), key)
				return nil
			})
		},
	}
	cmd.Flags().String("key", "", "Snapshot key (default: latest snapshot of path)")
	return cmd
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
