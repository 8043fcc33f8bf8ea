package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/gps"
	"dispatch-tracker/internal/grpcclient"
	"dispatch-tracker/internal/location"
	"dispatch-tracker/internal/observability"
)

var (
	techID     string
	techStatus string
	techIMEI   string
)

var technicianCmd = &cobra.Command{
	Use:   "technician",
	Short: "Report this device's location for a technician",
	Long: `Open the technician channel and stream throttled location updates.

The position comes from a Teltonika tracker on gps_listen_addr when set,
otherwise from fixed_lat/fixed_lon. When grpc_server is set every fix sent
is also forwarded there.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		id := techID
		if id == "" {
			id = e.cfg.TechnicianID
		}
		if id == "" {
			return errors.New("technician id required (--id or technician_id)")
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		e.watchTokens()
		defer e.tokens.Close()
		e.startMetrics(ctx)

		var locator location.Locator
		if e.cfg.GPSListenAddr != "" {
			var raw io.WriteCloser
			if e.cfg.RawLog != "" {
				raw = observability.RotatingFile(e.cfg.RawLog)
				defer raw.Close()
			}
			rcv := gps.NewReceiver(gps.Options{
				Addr:   e.cfg.GPSListenAddr,
				IMEI:   techIMEI,
				RawLog: raw,
				Logger: e.logger,
			})
			defer rcv.Close()
			locator = rcv
		} else {
			locator = &location.StaticLocator{
				Position: dispatch.Position{Lat: e.cfg.FixedLat, Lon: e.cfg.FixedLon},
				Interval: e.cfg.LocationInterval,
			}
		}

		var sink location.Sink
		if e.cfg.GRPCServer != "" {
			fwd, err := grpcclient.NewForwarder(e.cfg.GRPCServer, e.logger)
			if err != nil {
				return err
			}
			defer fwd.Close()
			sink = fwd
		}

		rep := location.NewReporter(location.Options{
			Locator: locator,
			// The backend routes by the technician_id in each message.
			NewChannel: func(dispatch.ID) location.Channel { return e.pushClient(e.cfg.LocationWSURL) },
			Sink:       sink,
			Interval:   e.cfg.LocationInterval,
			Distance:   e.cfg.LocationDistance,
			Logger:     e.logger,
		})
		defer rep.StopTracking()

		connected := make(chan struct{}, 1)
		stopListening := rep.AddConnectionListener(func(ok bool) {
			e.logger.Info("technician channel", "connected", ok)
			if ok {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		defer stopListening()

		if err := rep.Initialize(ctx, dispatch.ID(id)); err != nil {
			return err
		}
		if err := rep.StartTracking(ctx); err != nil {
			return err
		}
		fmt.Printf("Reporting location for technician %s\n", id)

		if techStatus != "" {
			select {
			case <-connected:
				if err := rep.SendStatus(ctx, techStatus); err != nil {
					e.logger.Warn("status not sent", "status", techStatus, "err", err)
				}
			case <-ctx.Done():
			}
		}

		<-ctx.Done()
		fmt.Println("\nStopping...")
		return nil
	},
}

func init() {
	technicianCmd.Flags().StringVar(&techID, "id", "", "technician id (default technician_id from config)")
	technicianCmd.Flags().StringVar(&techStatus, "status", "", "availability to report once connected (available, busy, offline)")
	technicianCmd.Flags().StringVar(&techIMEI, "imei", "", "only accept this tracker IMEI on the GPS listener")
	rootCmd.AddCommand(technicianCmd)
}
