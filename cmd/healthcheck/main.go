// Command healthcheck is a minimal HTTP probe used as Docker's HEALTHCHECK CMD.
// It exits 0 when the target URL returns a 2xx/3xx status, and 1 otherwise.
//
// Usage:
//
//	healthcheck [-url http://localhost:8080/healthz] [-timeout 3s]
//
// Example (in Dockerfile):
//
//	HEALTHCHECK CMD ["/bin/healthcheck", "-url", "http://localhost:8080/healthz"]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	url := flag.String("url", "http://localhost:8080/healthz", "URL to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "request timeout")
	flag.Parse()

	if err := probe(context.Background(), *url, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
		os.Exit(1)
	}
}

// probe fails on transport errors and on any status of 400 or above.
// Redirects are not followed; a 3xx counts as alive.
func probe(ctx context.Context, url string, timeout time.Duration) error {
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return nil
}
