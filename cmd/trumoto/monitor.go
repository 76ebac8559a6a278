package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/trumoto/internal/ble"
	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
	"github.com/chaz8081/trumoto/internal/profile"
	"github.com/chaz8081/trumoto/internal/relay"
	"github.com/chaz8081/trumoto/internal/server"
	"github.com/chaz8081/trumoto/internal/tune"
)

type monitorOptions struct {
	followProfiles bool
	applyActive    bool
}

func newMonitorCommand(o *rootOptions) *cobra.Command {
	mo := &monitorOptions{}
	cmd := &cobra.Command{
		Use:   "monitor [address]",
		Short: "Connect and stream live telemetry",
		Long: `Connect to a controller and print telemetry as it arrives. The link is
re-established automatically if it drops. Without an address the configured
device is used, or the first controller a scan finds.

When enabled in the config, a status HTTP server and an MQTT relay run
alongside the link.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var address string
			if len(args) == 1 {
				address = args[0]
			}
			return runMonitor(cmd.Context(), o, mo, address)
		},
	}
	cmd.Flags().BoolVar(&mo.applyActive, "apply-active", false, "write the active profile once connected")
	cmd.Flags().BoolVar(&mo.followProfiles, "follow-profiles", false, "re-apply the active profile whenever the profiles file changes")
	return cmd
}

func runMonitor(ctx context.Context, o *rootOptions, mo *monitorOptions, address string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.Std().WithName("monitor")
	m := o.newManager()
	defer m.Close()

	hub := m.Hub()
	hub.OnTelemetry(printSnapshot)
	hub.OnConnectionStatus(func(connected bool) {
		if connected {
			fmt.Println("Link: connected")
		} else {
			fmt.Printf("Link: %s\n", m.State())
		}
	})
	hub.OnNotice(func(n ble.Notice) {
		fmt.Printf("[%s] %s: %s\n", n.Level, n.Title, n.Message)
	})

	if snap, ok := m.Snapshot(); ok {
		fmt.Print("Last known telemetry: ")
		printSnapshot(snap)
	}

	device, err := o.resolveDevice(ctx, m, address)
	if err != nil {
		return err
	}
	if err := m.Connect(ctx, device); err != nil {
		return err
	}

	catalog, err := profile.Open(o.cfg.ProfilesPath)
	if err != nil {
		return err
	}
	applier := tune.NewApplier(m, log.Std().WithName("tune"))
	if mo.applyActive {
		if err := applier.ApplyActive(catalog); err != nil && !errors.Is(err, tune.ErrNoActiveProfile) {
			logger.Warn("applying active profile failed", "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	if o.cfg.HTTP.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := ble.RegisterMetrics(reg); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		srv := server.New(server.Options{
			Addr:     o.cfg.HTTP.Addr,
			Source:   m,
			Catalog:  catalog,
			Applier:  applier,
			Gatherer: reg,
			Logger:   log.Std().WithName("http"),
		})
		g.Go(func() error { return srv.Start(ctx) })
	}

	if o.cfg.MQTT.Enabled {
		mq := o.cfg.MQTT
		r, err := relay.New(relay.Options{
			Broker:         mq.Broker,
			ClientID:       mq.ClientID,
			TopicRoot:      mq.TopicRoot,
			Username:       mq.Username,
			Password:       mq.Password,
			QoS:            mq.QoS,
			KeepAlive:      mq.KeepAlive,
			ConnectTimeout: mq.ConnectTimeout,
		}, log.Std().WithName("relay"))
		if err != nil {
			return err
		}
		unsubscribe := hub.Subscribe(r)
		defer unsubscribe()
		g.Go(func() error { return r.Run(ctx) })
	}

	if mo.followProfiles {
		g.Go(func() error { return catalog.Watch(ctx, log.Std().WithName("profile"), applier.Sync) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	fmt.Println("Monitoring. Ctrl+C to quit.")
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Println("Goodbye!")
	return nil
}

func printSnapshot(s protocol.Snapshot) {
	fmt.Printf("speed %5.1f km/h | battery %5.1f V %3.0f%% | motor %5.1f A %4.1f °C\n",
		s.Speed, s.BatteryVoltage, s.BatteryPercentage, s.MotorCurrent, s.MotorTemperature)
}
