package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [params]",
	Short: "invoke a canonical method",
	Long: "this command invokes the given canonical method over JSON-RPC, " +
		"params must be a JSON object, ie. '{\"address\": \"...\"}'",
	Args: cobra.RangeArgs(1, 2),
	RunE: call,
}

func call(_ *cobra.Command, args []string) error {
	method := args[0]
	params := json.RawMessage("{}")
	if len(args) > 1 {
		params = json.RawMessage(args[1])
		if !json.Valid(params) {
			return fmt.Errorf("invalid params, must be a valid JSON object")
		}
	}

	state, err := getState()
	if err != nil {
		return err
	}
	url, httpClient, err := getHttpClient(state)
	if err != nil {
		return err
	}

	result, err := doCall(httpClient, url, method, params)
	if err != nil {
		return err
	}

	fmt.Println(jsonResponse(result))
	return nil
}

func doCall(
	httpClient *http.Client, url, method string, params json.RawMessage,
) (json.RawMessage, error) {
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Num: 1}}
	if err := req.SetParams(params); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to connector daemon: %s", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	reply := &jsonrpc2.Response{}
	if err := json.Unmarshal(buf, reply); err != nil {
		return nil, fmt.Errorf(
			"unexpected reply from connector daemon (status %d): %s",
			resp.StatusCode, buf,
		)
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("%s (code %d)", reply.Error.Message, reply.Error.Code)
	}
	if reply.Result == nil {
		return nil, fmt.Errorf("missing result in reply")
	}
	return *reply.Result, nil
}
