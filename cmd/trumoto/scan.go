package main

import (
	"fmt"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

func newScanCommand(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List nearby TruMoto controllers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := o.newManager()
			defer m.Close()

			fmt.Printf("Scanning for %s...\n", o.cfg.Device.ScanTimeout)
			devices, err := m.Scan(cmd.Context(), o.filter())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No TruMoto controllers found. Make sure the bike is powered on and in range.")
				return nil
			}

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("NAME", "ADDRESS", "RSSI", "SERVICES")
			for _, d := range devices {
				table.AddRow(d.Name, d.Address, d.RSSI, strings.Join(d.Services, ","))
			}
			fmt.Println(table)
			return nil
		},
	}
}
