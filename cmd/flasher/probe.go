package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Identify the application running on the radio",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, serial, err := openFlasher()
		if err != nil {
			return err
		}
		defer serial.Close()

		res, err := f.Probe(context.Background())
		if err != nil {
			return err
		}

		line, err := json.Marshal(map[string]string{
			"app_type":    string(res.AppType),
			"app_version": res.AppVersion,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(line))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
