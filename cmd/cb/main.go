// cb is the thin ops client: it frames one JSON-RPC call per invocation.
//
//	cb -event task.create -params '{"text":"write tests","priority":75}'
//	cb -event task.list
//	cb health
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	server := flag.String("server", envOr("CB_SERVER", "http://localhost:8080"), "server base URL")
	event := flag.String("event", "", "event name, e.g. task.create")
	params := flag.String("params", "{}", "JSON params")
	actor := flag.String("actor", envOr("CB_ACTOR", "cb-cli"), "actor reported to the server")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	client := &http.Client{Timeout: *timeout}

	if flag.Arg(0) == "health" {
		get(client, *server+"/health")
		return
	}
	if *event == "" {
		flag.Usage()
		os.Exit(2)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(*params), &parsed); err != nil {
		fatal("bad -params JSON: %v", err)
	}
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  *event,
		"params":  parsed,
		"id":      1,
	})

	req, err := http.NewRequest(http.MethodPost, *server+"/rpc", bytes.NewReader(body))
	if err != nil {
		fatal("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", *actor)

	resp, err := client.Do(req)
	if err != nil {
		fatal("call failed: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result map[string]any `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Data    any    `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		fatal("decode response: %v", err)
	}
	if rpcResp.Error != nil {
		out, _ := json.MarshalIndent(rpcResp.Error, "", "  ")
		fmt.Fprintln(os.Stderr, string(out))
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(rpcResp.Result, "", "  ")
	fmt.Println(string(out))
}

func get(client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		fatal("call failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(os.Stdout, resp.Body)
	fmt.Println()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
