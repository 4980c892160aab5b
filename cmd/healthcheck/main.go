// Package main is the container probe for study-server. It GETs a URL and
// exits 0 on a 2xx answer, 1 otherwise.
//
// Usage: healthcheck [-timeout 5s] [url]
//
// The URL defaults to $STUDY_MDR_HEALTHCHECK_URL, then to the local
// readiness endpoint.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultURL = "http://localhost:8080/readyz"

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Request timeout")
	flag.Parse()

	if err := probe(targetURL(flag.Arg(0)), *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
}

func targetURL(arg string) string {
	if arg != "" {
		return arg
	}
	if v := os.Getenv("STUDY_MDR_HEALTHCHECK_URL"); v != "" {
		return v
	}
	return defaultURL
}

func probe(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("status %d", resp.StatusCode)
}
