// watchmesh-check is a one-shot preflight diagnostic: it runs every probe
// executor against a URL and prints an [OK]/[FAIL] report, so an operator
// can verify outbound connectivity before pointing the engine at a target.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/probe"
)

type diagnostic struct {
	Name string
	Kind core.TargetKind
}

func main() {
	timeoutMs := flag.Int("timeout", 10000, "per-probe timeout in milliseconds")
	icmp := flag.Bool("icmp", false, "use raw ICMP (requires privileges); default is unprivileged UDP ping")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: watchmesh-check [flags] <url>")
		os.Exit(2)
	}
	rawURL := flag.Arg(0)

	fmt.Println("\033[96mwatchmesh Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")
	fmt.Printf("Target: %s\n\n", rawURL)

	registry := probe.NewRegistry(8, *icmp)

	diagnostics := []diagnostic{
		{"HTTPS Probe", core.KindHTTPS},
		{"HTTP Probe", core.KindHTTP},
		{"DNS Resolution", core.KindDNS},
		{"TLS Certificate", core.KindSSL},
		{"TCP Connect", core.KindTCP},
		{"ICMP/UDP Ping", core.KindPing},
	}

	failures := 0
	for _, d := range diagnostics {
		fmt.Printf("Checking %-25s ", d.Name+"...")

		target := &core.Target{
			ID:                 "preflight",
			URL:                rawURL,
			Kind:               d.Kind,
			TimeoutMs:          *timeoutMs,
			ExpectedStatusCode: 200,
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeoutMs)*time.Millisecond)
		outcome := registry.Execute(ctx, target, "preflight")
		cancel()

		if outcome.Success {
			fmt.Printf("\033[32m[OK]\033[0m (%dms", outcome.ResponseTimeMs)
			if outcome.StatusCode != 0 {
				fmt.Printf(", status %d", outcome.StatusCode)
			}
			fmt.Println(")")
		} else {
			failures++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %s: %s\n", outcome.ErrorKind, outcome.ErrorMessage)
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failures == 0 {
		fmt.Println("\033[96mStatus: Target reachable on all probe kinds.\033[0m")
		return
	}
	fmt.Printf("\033[93mStatus: %d probe kind(s) failed.\033[0m\n", failures)
	os.Exit(1)
}
