package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/calibration"
	"github.com/tipsy-mixer/tipsy/controller/modules/gpiolock"
	"github.com/tipsy-mixer/tipsy/controller/modules/maintenance"
	"github.com/tipsy-mixer/tipsy/controller/modules/pour"
	"github.com/tipsy-mixer/tipsy/controller/modules/recipes"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
	"github.com/tipsy-mixer/tipsy/controller/settings"
)

func newServeCmd(o *options) *cobra.Command {
	var address string
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API, the pour orchestrator and the maintenance scheduler.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := o.settings()
			if err != nil {
				return err
			}
			if address != "" {
				s.Address = address
			}
			return serve(s, o.settingsFile)
		},
	}
	c.Flags().StringVar(&address, "address", "", "listen address, overrides the settings")
	return c
}

func serve(s settings.Settings, settingsFile string) error {
	r, err := newRig(s)
	if err != nil {
		return err
	}
	defer r.Close()
	log := r.c.Logger()

	if migrated, err := topology.Migrate(s.Files.PumpConfig); err != nil {
		log.Warn("pump config not migrated", zap.String("file", s.Files.PumpConfig), zap.Error(err))
	} else if migrated {
		log.Info("pump config migrated to the extended format", zap.String("file", s.Files.PumpConfig))
	}

	m, err := maintenance.New(r.c, r.unit, r.arbiter, r.ledger)
	if err != nil {
		return err
	}
	subsystems := []controller.Subsystem{
		calibration.New(r.c, r.holder, settingsFile),
		bottles.New(r.c, r.ledger),
		gpiolock.New(r.c, r.arbiter),
		recipes.New(r.c, r.ledger),
		pour.New(r.c, r.orchestrator),
		m,
	}
	router := mux.NewRouter()
	for _, sub := range subsystems {
		if err := sub.Setup(); err != nil {
			return err
		}
		sub.LoadAPI(router)
	}
	router.Handle("/metrics", r.c.Telemetry().Handler()).Methods("GET")
	router.HandleFunc("/api/health", newHealth(r).get).Methods("GET")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := settings.WatchCalibration(ctx, settingsFile, log.Named("settings"), func(cal settings.Calibration) {
			r.holder.Swap(calibration.NewTable(cal, log.Named("calibration")))
		})
		if err != nil {
			log.Warn("calibration hot reload disabled", zap.Error(err))
		}
	}()

	for _, sub := range subsystems {
		sub.Start()
	}
	server := &http.Server{
		Addr:              s.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		log.Info("serving", zap.String("address", s.Address), zap.Bool("dev_mode", s.DevMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", zap.Error(err))
	}
	go watchdog(ctx, log)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errs:
		log.Error("http server failed", zap.Error(err))
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	for i := len(subsystems) - 1; i >= 0; i-- {
		subsystems[i].Stop()
	}
	return err
}

// watchdog pings systemd at half the configured watchdog interval. It does
// nothing when the unit has no WatchdogSec.
func watchdog(ctx context.Context, log *zap.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog notify failed", zap.Error(err))
			}
		}
	}
}
