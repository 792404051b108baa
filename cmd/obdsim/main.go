package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/danmuck/obdgate/internal/devicesim"
	"github.com/danmuck/obdgate/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	def := devicesim.DefaultClientConfig()
	var (
		addr     = pflag.String("addr", def.Addr, "gateway TCP address")
		device   = pflag.String("device", def.DeviceID, "first device id (12 hex characters)")
		devices  = pflag.Int("devices", 1, "number of simulated devices; ids count up from --device")
		reports  = pflag.Int("reports", def.Reports, "GPS+engine reports per trip")
		interval = pflag.Duration("interval", def.Interval, "delay between frames")
		trip     = pflag.Uint16("trip", def.TripID, "trip id")
		coolant  = pflag.Uint8("coolant", def.Engine.Coolant, "raw coolant byte (value-40 = °C)")
		speed    = pflag.Uint8("speed", def.Engine.Speed, "vehicle speed km/h")
		voltage  = pflag.Uint8("voltage", def.Engine.Voltage, "battery voltage in tenths")
		attempts = pflag.Int("attempts", def.MaxAttempts, "dial attempts before giving up")
		noAcks   = pflag.Bool("no-acks", false, "do not wait for acknowledgments")
		seed     = pflag.Int64("seed", time.Now().UnixNano(), "random seed for position drift")
	)
	pflag.Parse()

	logging.ConfigureRuntime()
	base, err := strconv.ParseUint(*device, 16, 48)
	if err != nil || len(*device) != 12 {
		fmt.Fprintf(os.Stderr, "obdsim: --device must be 12 hex characters\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *devices; i++ {
		cfg := def
		cfg.Addr = *addr
		cfg.DeviceID = fmt.Sprintf("%012x", base+uint64(i))
		cfg.Reports = *reports
		cfg.Interval = *interval
		cfg.TripID = *trip
		cfg.Engine.Coolant = *coolant
		cfg.Engine.Speed = *speed
		cfg.Engine.Voltage = *voltage
		cfg.MaxAttempts = *attempts
		cfg.NoAcks = *noAcks
		cfg.Seed = *seed + int64(i)

		client, err := devicesim.NewClient(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "obdsim: %v\n", err)
			os.Exit(2)
		}
		g.Go(func() error {
			st, err := client.Run(gctx)
			if err != nil {
				return fmt.Errorf("device %s: %w", cfg.DeviceID, err)
			}
			log.Info().
				Str("device", cfg.DeviceID).
				Int("attempts", st.Attempts).
				Int("frames", st.FramesSent).
				Int("acks", st.AcksSeen).
				Msg("obdsim device done")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("obdsim failed")
		os.Exit(1)
	}
}
