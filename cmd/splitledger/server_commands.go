package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	natspkg "github.com/brojonat/splitledger/service/nats"
	"github.com/urfave/cli/v2"
)

// serviceCheck is one endpoint the health command checks.
type serviceCheck struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	OK     bool   `json:"ok"`
	Status string `json:"status"`
}

// serviceChecks are the liveness endpoint plus the GET health checks webhook senders use.
var serviceChecks = []serviceCheck{
	{Name: "server", Path: "/health"},
	{Name: "split-indexer-webhook", Path: "/api/split/webhook"},
	{Name: "split-reconcile", Path: "/api/split/reconcile"},
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check the server and its webhook and reconcile endpoints",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			httpClient := &http.Client{Timeout: c.Duration("timeout")}
			results := make([]serviceCheck, len(serviceChecks))
			failed := 0
			for i, p := range serviceChecks {
				results[i] = checkEndpoint(httpClient, serverURL, p)
				if !results[i].OK {
					failed++
				}
			}

			if c.Bool("json") {
				if err := outputJSON(results); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ENDPOINT\tPATH\tSTATUS")
				for _, r := range results {
					mark := "✓"
					if !r.OK {
						mark = "✗"
					}
					fmt.Fprintf(w, "%s %s\t%s\t%s\n", mark, r.Name, r.Path, r.Status)
				}
				w.Flush()
			}

			if !results[0].OK {
				return fmt.Errorf("server returned unhealthy status: %s", results[0].Status)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d endpoints unhealthy", failed, len(results))
			}
			if !c.Bool("json") {
				fmt.Printf("\n✓ Server is healthy: %s\n", serverURL)
			}
			return nil
		},
	}
}

// checkEndpoint GETs one endpoint. JSON endpoints must also report ok:true.
func checkEndpoint(httpClient *http.Client, serverURL string, p serviceCheck) serviceCheck {
	resp, err := httpClient.Get(serverURL + p.Path)
	if err != nil {
		p.Status = err.Error()
		return p
	}
	defer resp.Body.Close()

	p.Status = fmt.Sprintf("%d", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		return p
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		p.OK = true
		return p
	}

	var body struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.Status = "invalid response: " + err.Error()
		return p
	}
	p.OK = body.OK
	if body.Status != "" {
		p.Status = body.Status
	}
	return p
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			info := map[string]string{
				"version": version,
				"commit":  commit,
				"built":   date,
				"go":      runtime.Version(),
				"stream":  natspkg.StreamName,
			}
			if c.Bool("json") {
				return outputJSON(info)
			}
			fmt.Printf("splitledger %s (%s, built %s)\n", version, commit, date)
			fmt.Printf("  Go:      %s\n", info["go"])
			fmt.Printf("  Stream:  %s (%s.*, %s.*)\n", info["stream"], natspkg.TxnSubjectPrefix, natspkg.ReceiptSubjectPrefix)
			return nil
		},
	}
}
