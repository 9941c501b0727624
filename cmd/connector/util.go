package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const requestTimeout = 2 * time.Minute

var colorRed = string("\033[31m")

// getHttpClient returns the url of the JSON-RPC endpoint of the daemon and
// the client to use to reach it.
func getHttpClient(state map[string]string) (string, *http.Client, error) {
	address, ok := state["rpcserver"]
	if !ok || len(address) <= 0 {
		return "", nil, fmt.Errorf("set rpcserver with `config set rpcserver`")
	}

	tlsConfig, err := getTLSConfig(state)
	if err != nil {
		return "", nil, err
	}

	scheme := "http"
	httpClient := &http.Client{Timeout: requestTimeout}
	if tlsConfig != nil {
		scheme = "https"
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return fmt.Sprintf("%s://%s/rpc", scheme, address), httpClient, nil
}

func dialWebsocket(state map[string]string) (*websocket.Conn, error) {
	address, ok := state["rpcserver"]
	if !ok || len(address) <= 0 {
		return nil, fmt.Errorf("set rpcserver with `config set rpcserver`")
	}

	tlsConfig, err := getTLSConfig(state)
	if err != nil {
		return nil, err
	}

	scheme := "ws"
	dialer := *websocket.DefaultDialer
	if tlsConfig != nil {
		scheme = "wss"
		dialer.TLSClientConfig = tlsConfig
	}

	url := fmt.Sprintf("%s://%s/ws", scheme, address)
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to connector daemon: %v", err)
	}
	return conn, nil
}

func getTLSConfig(state map[string]string) (*tls.Config, error) {
	noTLS, _ := strconv.ParseBool(state["no_tls"])
	if noTLS {
		return nil, nil
	}

	certPath, ok := state["tls_cert_path"]
	if !ok || len(certPath) <= 0 {
		return nil, fmt.Errorf(
			"missing TLS certificate filepath. Try " +
				"'connector config set tls_cert_path path/to/tls/certificate'",
		)
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate:  %s", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cert) {
		return nil, fmt.Errorf("failed to load TLS certificate: invalid format")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func getState() (map[string]string, error) {
	file, err := os.ReadFile(statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := writeState(initialState()); err != nil {
			return nil, err
		}
		return initialState(), nil
	}

	data := map[string]string{}
	if err := json.Unmarshal(file, &data); err != nil {
		return nil, fmt.Errorf("invalid state file %s: %s", statePath, err)
	}
	return data, nil
}

func setState(partialState map[string]string) error {
	state, err := getState()
	if err != nil {
		return err
	}

	for key, value := range partialState {
		state[key] = value
	}
	return writeState(state)
}

func writeState(state map[string]string) error {
	dir := filepath.Dir(statePath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return fmt.Errorf("failed to create directory: %v", err)
		}
	}

	buf, _ := json.MarshalIndent(state, "", "  ")
	if err := os.WriteFile(statePath, buf, 0644); err != nil {
		return fmt.Errorf("writing to file: %w", err)
	}

	return nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func jsonResponse(raw json.RawMessage) string {
	buf := &bytes.Buffer{}
	if err := json.Indent(buf, raw, "", "   "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func printErr(err error) {
	msg := fmt.Sprintf("%s%s", colorRed, capitalize(err.Error()))
	fmt.Fprintln(os.Stderr, msg)
}

func capitalize(s string) string {
	if len(s) <= 0 {
		return s
	}
	ss := strings.ToUpper(s[0:1])
	ss += s[1:]
	return ss
}
