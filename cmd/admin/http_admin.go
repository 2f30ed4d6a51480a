package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	if err := fetchState(os.Stdout, &http.Client{Timeout: 5 * time.Second}, *baseURL); err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
}

// fetchState copies GET /admin/v1/state to w. Non-2xx responses are errors
// after the body has been written.
func fetchState(w io.Writer, cl *http.Client, baseURL string) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/admin/v1/state"
	resp, err := cl.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(w, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}
