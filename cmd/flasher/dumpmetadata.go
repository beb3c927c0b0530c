package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagDumpFirmware string

var dumpMetadataCmd = &cobra.Command{
	Use:   "dump-gbl-metadata",
	Short: "Print the metadata embedded in a GBL image",
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := loadImage(flagDumpFirmware)
		if err != nil {
			return err
		}

		md, err := img.Metadata()
		if err != nil {
			return &exitError{code: exitImageInvalid, err: err}
		}

		out, err := json.Marshal(md)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

func init() {
	dumpMetadataCmd.Flags().StringVar(&flagDumpFirmware, "firmware", "", "path to the GBL image (required)")
	cobra.CheckErr(dumpMetadataCmd.MarkFlagRequired("firmware"))

	rootCmd.AddCommand(dumpMetadataCmd)
}
