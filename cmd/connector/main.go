package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	datadir          = btcutil.AppDataDir("connector-cli", false)
	statePath        = filepath.Join(datadir, "state.json")
	daemonDatadir    = btcutil.AppDataDir("connector", false)
	initialStateData = map[string]string{
		"rpcserver":     "localhost:30000",
		"no_tls":        strconv.FormatBool(true),
		"tls_cert_path": "",
	}

	rootCmd = &cobra.Command{
		Use:   "connector",
		Short: "CLI for the blockchain connector",
		Long:  "This CLI lets you interact with a running connector daemon",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if _, err := os.Stat(datadir); os.IsNotExist(err) {
				os.MkdirAll(datadir, os.ModeDir|0755)
			}
		},
		Version:      formatVersion(),
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.AddCommand(configCmd, callCmd, subscribeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printErr(err)
		os.Exit(1)
	}
}

func initialState() map[string]string {
	state := make(map[string]string, len(initialStateData))
	for k, v := range initialStateData {
		state[k] = v
	}
	return state
}

func defaultTLSCertPath() string {
	return filepath.Join(daemonDatadir, "tls", "cert.pem")
}

func formatVersion() string {
	return fmt.Sprintf("\nVersion: %s", version)
}
