package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	rpcServer   string
	noTLS       bool
	tlsCertPath string

	configSetCmd = &cobra.Command{
		Use:   "set",
		Short: "edit single CLI config entry",
		Long: "this command lets you customize a single configuration entry of " +
			"the connector CLI",
		Args: cobra.ExactArgs(2),
		RunE: configSet,
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "edit multiple CLI config entry",
		Long: "this command lets you customize multiple configuration entries " +
			"of the connector CLI",
		RunE: configInit,
	}
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "print or edit CLI configuration",
		Long: "this command lets you show or customize the configuration of " +
			"the connector CLI",
		RunE: configPrint,
	}
)

func init() {
	configInitCmd.Flags().StringVar(
		&rpcServer, "rpcserver", initialStateData["rpcserver"],
		"address of the connector daemon to connect to",
	)
	configInitCmd.Flags().BoolVar(
		&noTLS, "no-tls", true,
		"this must be set if the connector daemon has TLS disabled",
	)
	configInitCmd.Flags().StringVar(
		&tlsCertPath, "tls-cert-path", defaultTLSCertPath(),
		"the path of the TLS certificate file to use to connect to the "+
			"connector daemon if it has TLS enabled",
	)
	configCmd.AddCommand(configSetCmd, configInitCmd)
}

func configSet(_ *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	partialState, err := partialStateFor(key, value)
	if err != nil {
		return err
	}
	if err := setState(partialState); err != nil {
		return err
	}

	fmt.Printf("%s %s has been set\n", key, partialState[key])

	return nil
}

func configInit(_ *cobra.Command, _ []string) error {
	if _, err := getState(); err != nil {
		return err
	}

	certPath := ""
	if !noTLS {
		certPath = cleanAndExpandPath(tlsCertPath)
	}
	if err := setState(map[string]string{
		"rpcserver":     rpcServer,
		"no_tls":        strconv.FormatBool(noTLS),
		"tls_cert_path": certPath,
	}); err != nil {
		return err
	}

	fmt.Println("CLI has been configured")

	return nil
}

func configPrint(_ *cobra.Command, _ []string) error {
	state, err := getState()
	if err != nil {
		return err
	}

	buf, _ := json.MarshalIndent(state, "", "   ")
	fmt.Println(string(buf))

	return nil
}

// partialStateFor returns the state entries to update when setting the given
// key, keeping no_tls and tls_cert_path consistent with each other.
func partialStateFor(key, value string) (map[string]string, error) {
	// Prevent setting anything that is not part of the state.
	if _, ok := initialStateData[key]; !ok {
		return nil, fmt.Errorf("unknown config key %s", key)
	}

	partialState := map[string]string{key: value}
	switch key {
	case "no_tls":
		val, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid no_tls value, must be a boolean")
		}
		partialState[key] = strconv.FormatBool(val)
		partialState["tls_cert_path"] = ""
		if !val {
			partialState["tls_cert_path"] = defaultTLSCertPath()
		}
	case "tls_cert_path":
		partialState["no_tls"] = "true"
		if len(value) > 0 {
			partialState["no_tls"] = "false"
			partialState[key] = cleanAndExpandPath(value)
		}
	}
	return partialState, nil
}
