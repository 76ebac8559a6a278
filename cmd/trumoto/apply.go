package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
	"github.com/chaz8081/trumoto/internal/profile"
	"github.com/chaz8081/trumoto/internal/tune"
)

type applyOptions struct {
	address string
	curve   []float64
	regen   float64
}

func newApplyCommand(o *rootOptions) *cobra.Command {
	ao := &applyOptions{regen: -1}
	cmd := &cobra.Command{
		Use:   "apply [profile-id]",
		Short: "Write a tuning profile or raw settings to the controller",
		Long: `Write a profile's throttle curve and regen strength to the controller.
Without a profile id the active profile is used. --curve and --regen write
raw values instead of a profile.`,
		Example: `  trumoto apply sport
  trumoto apply --curve 0,0.4,0.6,0.8,1 --regen 0.5`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := cmd.Flags().Changed("curve") || cmd.Flags().Changed("regen")
			if raw && len(args) > 0 {
				return fmt.Errorf("use either a profile id or --curve/--regen, not both")
			}
			if cmd.Flags().Changed("curve") && len(ao.curve) != protocol.CurvePoints {
				return fmt.Errorf("--curve needs %d values, got %d", protocol.CurvePoints, len(ao.curve))
			}

			m := o.newManager()
			defer m.Close()

			ctx := cmd.Context()
			device, err := o.resolveDevice(ctx, m, ao.address)
			if err != nil {
				return err
			}
			if err := m.Connect(ctx, device); err != nil {
				return err
			}

			if raw {
				if len(ao.curve) == protocol.CurvePoints {
					var curve protocol.ThrottleCurve
					copy(curve[:], ao.curve)
					if err := m.WriteThrottleCurve(curve); err != nil {
						return err
					}
					fmt.Println("Throttle curve updated")
				}
				if cmd.Flags().Changed("regen") {
					if err := m.WriteRegen(ao.regen); err != nil {
						return err
					}
					fmt.Printf("Regen braking set to %.0f%%\n", ao.regen*100)
				}
				return nil
			}

			catalog, err := profile.Open(o.cfg.ProfilesPath)
			if err != nil {
				return err
			}
			applier := tune.NewApplier(m, log.Std().WithName("tune"))
			if len(args) == 0 {
				if err := applier.ApplyActive(catalog); err != nil {
					return err
				}
			} else {
				p, err := catalog.Get(args[0])
				if err != nil {
					return err
				}
				if err := applier.Apply(p); err != nil {
					return err
				}
			}

			p, _ := applier.Last()
			fmt.Printf("Applied profile %q (%s)\n", p.Name, p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ao.address, "address", "", "controller address (default: config, then scan)")
	cmd.Flags().Float64SliceVar(&ao.curve, "curve", nil, "throttle curve: five comma-separated ratios for 0/25/50/75/100% throttle")
	cmd.Flags().Float64Var(&ao.regen, "regen", ao.regen, "regen braking strength, 0 to 1")
	return cmd
}
