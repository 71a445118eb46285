package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/rest"
)

// defaultAPIAddr is where the client commands reach the HTTP API.
const defaultAPIAddr = "http://127.0.0.1:8080"

// doAPIRequest performs one HTTP API call and decodes the 2xx response
// body into out. Failures are reported on stderr; the return value is
// the command's exit code.
func doAPIRequest(api string, timeout time.Duration, method, path string, body interface{}, out interface{}) int {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(api, "/")+path, reqBody)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr rest.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			fmt.Fprintf(os.Stderr, "Error: %s\n", resp.Status)
			return 1
		}
		if apiErr.LeaderAddr != "" {
			fmt.Fprintf(os.Stderr, "Error: %s (leader is at %s)\n", apiErr.Message, apiErr.LeaderAddr)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", apiErr.Message)
		}
		return 1
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid response: %v\n", err)
			return 1
		}
	}
	return 0
}

// getCmd handles the get command.
func getCmd(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	api := fs.String("api", defaultAPIAddr, "Base URL of the HTTP API")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printGetUsage(os.Stdout)
		return 0
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: key is required")
		return 1
	}
	key := fs.Arg(0)

	var resp rest.KeyResponse
	if code := doAPIRequest(*api, *timeout, http.MethodGet, "/api/v1/kv/"+url.PathEscape(key), nil, &resp); code != 0 {
		return code
	}

	fmt.Println(resp.Value)
	return 0
}

// setCmd handles the set command.
func setCmd(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	api := fs.String("api", defaultAPIAddr, "Base URL of the HTTP API")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printSetUsage(os.Stdout)
		return 0
	}

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Error: key and value are required")
		return 1
	}
	key := fs.Arg(0)
	value := fs.Arg(1)

	var resp rest.WriteResponse
	body := rest.PutKeyRequest{Value: value}
	if code := doAPIRequest(*api, *timeout, http.MethodPut, "/api/v1/kv/"+url.PathEscape(key), body, &resp); code != 0 {
		return code
	}

	fmt.Printf("OK (index %d)\n", resp.Index)
	return 0
}

// delCmd handles the del command.
func delCmd(args []string) int {
	fs := flag.NewFlagSet("del", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	api := fs.String("api", defaultAPIAddr, "Base URL of the HTTP API")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printDelUsage(os.Stdout)
		return 0
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: key is required")
		return 1
	}
	key := fs.Arg(0)

	var resp rest.WriteResponse
	if code := doAPIRequest(*api, *timeout, http.MethodDelete, "/api/v1/kv/"+url.PathEscape(key), nil, &resp); code != 0 {
		return code
	}

	if resp.Existed {
		fmt.Printf("Deleted (index %d)\n", resp.Index)
	} else {
		fmt.Printf("Key not present (index %d)\n", resp.Index)
	}
	return 0
}

// statusCmd handles the status command.
func statusCmd(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	api := fs.String("api", defaultAPIAddr, "Base URL of the HTTP API")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printStatusUsage(os.Stdout)
		return 0
	}

	var st rest.StatusResponse
	if code := doAPIRequest(*api, *timeout, http.MethodGet, "/api/v1/status", nil, &st); code != 0 {
		return code
	}

	fmt.Printf("Node ID:      %d\n", st.ID)
	fmt.Printf("Role:         %s\n", st.Role)
	fmt.Printf("Term:         %d\n", st.Term)
	if st.LeaderAddr != "" {
		fmt.Printf("Leader:       %d (%s)\n", st.LeaderID, st.LeaderAddr)
	} else {
		fmt.Printf("Leader:       %d\n", st.LeaderID)
	}
	fmt.Printf("Commit index: %d\n", st.CommitIndex)
	fmt.Printf("Last applied: %d\n", st.LastApplied)
	fmt.Printf("Log:          [%d, %d] last term %d\n", st.FirstLogIndex, st.LastLogIndex, st.LastLogTerm)
	if st.SnapshotIndex > 0 {
		fmt.Printf("Snapshot:     index %d term %d\n", st.SnapshotIndex, st.SnapshotTerm)
	}
	fmt.Printf("Membership:   %s\n", st.Membership)
	fmt.Printf("Voters:       %s\n", formatIDs(st.Voters))
	if len(st.Learners) > 0 {
		fmt.Printf("Learners:     %s\n", formatIDs(st.Learners))
	}
	if st.ChangePending {
		fmt.Printf("Change:       in flight\n")
	}
	fmt.Printf("Keys:         %d\n", st.Keys)
	fmt.Printf("Uptime:       %s\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Printf("Requests:     %d\n", st.RequestsServed)
	return 0
}

// formatIDs renders a list of server ids as "1, 2, 3".
func formatIDs(ids []uint64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
