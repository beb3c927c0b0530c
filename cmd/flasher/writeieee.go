package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/flasher"
)

var flagIEEE string

var writeIEEECmd = &cobra.Command{
	Use:   "write-ieee",
	Short: "Program the custom IEEE EUI-64 manufacturing token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ieee, err := flasher.ParseEUI64(flagIEEE)
		if err != nil {
			return err
		}

		f, serial, err := openFlasher()
		if err != nil {
			return err
		}
		defer serial.Close()

		return f.WriteIEEE(context.Background(), ieee)
	},
}

func init() {
	writeIEEECmd.Flags().StringVar(&flagIEEE, "ieee", "", "EUI-64 as 16 hex digits, colons optional (required)")
	cobra.CheckErr(writeIEEECmd.MarkFlagRequired("ieee"))

	rootCmd.AddCommand(writeIEEECmd)
}
