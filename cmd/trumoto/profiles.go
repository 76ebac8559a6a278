package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/profile"
)

func newProfilesCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List and manage tuning profiles",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := profile.Open(o.cfg.ProfilesPath)
			if err != nil {
				return err
			}
			printProfiles(c)
			return nil
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "activate <id>",
			Short: "Select the active profile (empty string clears it)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				c, err := profile.Open(o.cfg.ProfilesPath)
				if err != nil {
					return err
				}
				return c.SetActive(args[0])
			},
		},
		newProfileCreateCommand(o),
		&cobra.Command{
			Use:   "rename <id> <name>",
			Short: "Rename a profile",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				c, err := profile.Open(o.cfg.ProfilesPath)
				if err != nil {
					return err
				}
				_, err = c.Rename(args[0], args[1])
				return err
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				c, err := profile.Open(o.cfg.ProfilesPath)
				if err != nil {
					return err
				}
				return c.Delete(args[0])
			},
		},
	)
	return cmd
}

func newProfileCreateCommand(o *rootOptions) *cobra.Command {
	var (
		curve []float64
		regen float64
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(curve) != protocol.CurvePoints {
				return fmt.Errorf("--curve needs %d values, got %d", protocol.CurvePoints, len(curve))
			}
			c, err := profile.Open(o.cfg.ProfilesPath)
			if err != nil {
				return err
			}
			var tc protocol.ThrottleCurve
			copy(tc[:], curve)
			p, err := c.Create(args[0], tc, regen)
			if err != nil {
				return err
			}
			fmt.Printf("Created profile %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().Float64SliceVar(&curve, "curve", nil, "throttle curve: five comma-separated ratios")
	cmd.Flags().Float64Var(&regen, "regen", 0.5, "regen braking strength, 0 to 1")
	_ = cmd.MarkFlagRequired("curve")
	return cmd
}

func printProfiles(c *profile.Catalog) {
	active, _ := c.Active()

	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("", "ID", "NAME", "CURVE", "REGEN")
	for _, p := range c.List() {
		marker := ""
		if p.ID == active.ID {
			marker = "*"
		}
		table.AddRow(marker, p.ID, p.Name, formatCurve(p.ThrottleCurve), fmt.Sprintf("%.0f%%", p.RegenBraking*100))
	}
	fmt.Println(table)
}

func formatCurve(c protocol.ThrottleCurve) string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}
