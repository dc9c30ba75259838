package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unihealth/unihealth/internal/domain/account"
	"github.com/unihealth/unihealth/internal/domain/doctor"
	"github.com/unihealth/unihealth/internal/domain/records"
	"github.com/unihealth/unihealth/internal/mirror"
	"github.com/unihealth/unihealth/internal/platform/tree"
	"github.com/unihealth/unihealth/internal/store"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign in to a sync server and log every change to the user's stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			server, _ := cmd.Flags().GetString("server")
			if password == "" {
				password = os.Getenv("UNIHEALTH_PASSWORD")
			}
			if email == "" || password == "" {
				return errors.New("--email and --password (or UNIHEALTH_PASSWORD) are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if server == "" {
				server = cfg.ServerURL
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, server, email, password, logger)
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password")
	cmd.Flags().String("server", "", "Sync server URL (default SERVER_URL)")
	return cmd
}

// runWatch mirrors the signed-in user until ctx is done.
func runWatch(ctx context.Context, server, email, password string, logger zerolog.Logger) error {
	remote, err := tree.NewRemote(server, tree.WithLogger(logger))
	if err != nil {
		return err
	}
	defer remote.Close()

	client, err := account.NewClient(server, remote, nil)
	if err != nil {
		return err
	}

	rs := records.NewService(remote)
	identity := store.NewIdentityStore()
	health := store.NewHealthStore()
	m := mirror.New(rs, doctor.NewService(rs, logger), health, logger)

	sess := mirror.NewSession(ctx, client, identity, health, m, logger)
	defer sess.Close()

	go logIdentity(identity.Watch(ctx), logger)
	go logHealth(health.Watch(ctx), logger)

	if err := sess.SignIn(ctx, email, password); err != nil {
		return err
	}

	if st := identity.Snapshot(); st.Role == records.RoleDoctor {
		res, err := m.Patients(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("patient roster unavailable")
		} else {
			for _, p := range res.Patients {
				logger.Info().Str("patient", p.ID).Str("name", p.Name).Str("last_visit", p.LastVisit).Msg("patient")
			}
			for _, miss := range res.Misses {
				logger.Warn().Err(miss.Err).Str("patient", miss.PatientID).Msg("patient profile missing")
			}
		}
	}

	<-ctx.Done()
	return sess.SignOut(context.Background())
}

func logIdentity(ch <-chan store.IdentityState, logger zerolog.Logger) {
	for st := range ch {
		evt := logger.Info().Str("status", string(st.Status)).Bool("loading", st.Loading)
		if st.Identity != nil {
			evt = evt.Str("uid", st.Identity.UID).Str("role", string(st.Role))
		}
		if st.Error != "" {
			evt = evt.Str("error", st.Error)
		}
		evt.Msg("identity")
	}
}

func logHealth(ch <-chan store.HealthState, logger zerolog.Logger) {
	for st := range ch {
		evt := logger.Info().
			Int("appointments", len(st.Appointments)).
			Int("prescriptions", len(st.Prescriptions)).
			Int("certificates", len(st.Certificates)).
			Bool("health_data", st.HealthData != nil)
		for _, k := range store.Keys {
			if st.Loading[k] {
				evt = evt.Bool(string(k)+"_loading", true)
			}
			if msg := st.Errors[k]; msg != "" {
				evt = evt.Str(string(k)+"_error", msg)
			}
		}
		evt.Msg("health records")
	}
}
