package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/watchmesh/backend/pkg/sdk"
)

func main() {
	client := sdk.NewClient("http://localhost:8080", "prb-sim-berlin")

	fmt.Println("🛰️  Prober Starting: prb-sim-berlin")
	ctx := context.Background()

	for {
		targets, err := client.ListAvailable(ctx)
		if err != nil {
			log.Fatalf("❌ ListAvailable failed: %v", err)
		}
		if len(targets) == 0 {
			fmt.Println("😴 No targets available, sleeping 30s...")
			time.Sleep(30 * time.Second)
			continue
		}

		for _, t := range targets {
			fmt.Printf("\n🔍 Probing %s (%s)...\n", t.Name, t.URL)
			check, err := client.Submit(ctx, t.ID, "berlin", &sdk.LocationDetails{
				City:    "Berlin",
				Country: "DE",
				Lat:     52.5200,
				Lon:     13.4050,
			})
			if sdk.IsCooldown(err) {
				fmt.Printf("❄️  Cooldown, retry in %s\n", sdk.RetryAfter(err))
				continue
			}
			if err != nil {
				fmt.Printf("⚠️  Submission failed: %v\n", err)
				continue
			}
			fmt.Printf("✅ Accepted: %s success=%v (%dms)\n", check.ID, check.Success, check.ResponseTimeMs)
		}

		wallet, err := client.Wallet(ctx)
		if err == nil {
			fmt.Printf("\n💰 Balance: %d minor units\n", wallet.Wallet.BalanceMinorUnits)
		}

		time.Sleep(10 * time.Second)
	}
}
