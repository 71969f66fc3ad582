package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"41.neocities.org/offline/drm"
)

var showPssh bool

var initDataCmd = &cobra.Command{
	Use:   "init-data <mpd-url>",
	Short: "Print the init data a license request would use",
	Long: `Resolve the protection init data of the preferred track of a period:
video first, then audio. Init data read from the initialization segment wins
over the data the manifest declares.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, resolver, err := loadPeriod(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}
		data, err := resolver.InitData(cmd.Context(), p)
		if err != nil {
			return fmt.Errorf("resolve init data: %w", err)
		}
		printInitData(cmd, data)
		return nil
	},
}

func init() {
	initDataCmd.Flags().BoolVar(&showPssh, "pssh", false, "Print PSSH payloads as base64")
}

func printInitData(cmd *cobra.Command, data *drm.InitData) {
	out := cmd.OutOrStdout()
	if data == nil {
		fmt.Fprintln(out, "unprotected")
		return
	}
	fmt.Fprintf(out, "scheme type: %s\n", data.SchemeType)
	for _, s := range data.Schemes {
		fmt.Fprintf(out, "%s\t%s\tkid=%s\tpssh=%d bytes\n",
			drm.Name(s.Scheme), s.Scheme, hex.EncodeToString(s.KeyID), len(s.Data))
		if showPssh && s.HasData() {
			fmt.Fprintf(out, "  %s\n", base64.StdEncoding.EncodeToString(s.Data))
		}
	}
}
