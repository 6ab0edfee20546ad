// verify-schema bootstraps and verifies the Postgres schema: it applies
// the DDL (idempotent) and then round-trips one row through every table.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/watchmesh/backend/internal/core"
	"github.com/watchmesh/backend/internal/store"
)

type verification struct {
	Table   string
	Status  string
	Details string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	dsn := os.Getenv("WATCHMESH_POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("❌ WATCHMESH_POSTGRES_DSN is required")
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          watchmesh - Postgres Schema Bootstrap               ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	pg, err := store.NewPostgres(dsn)
	if err != nil {
		log.Fatalf("❌ Failed to connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Print("Applying schema... ")
	if err := pg.EnsureSchema(ctx); err != nil {
		fmt.Println("❌")
		log.Fatalf("Schema bootstrap failed: %v", err)
	}
	fmt.Println("✅")
	fmt.Println()

	results := []verification{
		verifyTargets(ctx, pg),
		verifyChecks(ctx, pg),
		verifyIncidents(ctx, pg),
		verifyWallets(ctx, pg),
		verifyCooldowns(ctx, pg),
	}

	fmt.Println()
	failed := 0
	for _, r := range results {
		if r.Status != "✅" {
			failed++
		}
	}
	if failed > 0 {
		fmt.Printf("❌ %d/%d table checks failed\n", failed, len(results))
		os.Exit(1)
	}
	fmt.Printf("✅ All %d table checks passed\n", len(results))
}

func report(v verification) verification {
	fmt.Printf("%s %-18s %s\n", v.Status, v.Table, v.Details)
	return v
}

func verifyTargets(ctx context.Context, pg *store.Postgres) verification {
	t := &core.Target{
		ID:                 core.NewID("tgt"),
		OwnerID:            "schema-verify",
		Name:               "schema probe",
		URL:                "https://example.com",
		Kind:               core.KindHTTPS,
		IntervalSec:        60,
		TimeoutMs:          5000,
		ExpectedStatusCode: 200,
		Active:             false,
		Regions:            []string{"us-east"},
		AlertThreshold:     3,
		RecoveryThreshold:  1,
		CreatedAt:          time.Now().UTC(),
		Version:            1,
	}
	if err := pg.CreateTarget(ctx, t); err != nil {
		return report(verification{"targets", "❌", err.Error()})
	}
	if _, err := pg.GetTarget(ctx, t.ID); err != nil {
		return report(verification{"targets", "❌", err.Error()})
	}
	pg.DeleteTarget(ctx, t.ID)
	return report(verification{"targets", "✅", "insert/select/delete ok"})
}

func verifyChecks(ctx context.Context, pg *store.Postgres) verification {
	c := &core.Check{
		ID:        core.NewID("chk"),
		TargetID:  "tgt-schema-verify",
		OwnerID:   "schema-verify",
		Success:   true,
		Location:  "us-east",
		Timestamp: time.Now().UTC(),
	}
	if err := pg.SaveCheck(ctx, c); err != nil {
		return report(verification{"checks", "❌", err.Error()})
	}
	if err := pg.SettlePayment(ctx, c.ID); err != nil {
		return report(verification{"checks", "❌", "settle: " + err.Error()})
	}
	return report(verification{"checks", "✅", "insert/settle ok"})
}

func verifyIncidents(ctx context.Context, pg *store.Postgres) verification {
	inc := &core.Incident{
		ID:           core.NewID("inc"),
		TargetID:     "tgt-schema-verify",
		StartCheckID: "chk-schema-verify",
		StartedAt:    time.Now().UTC(),
		Reason:       "timeout",
		Region:       "us-east",
	}
	if err := pg.OpenIncident(ctx, inc); err != nil {
		return report(verification{"incidents", "❌", err.Error()})
	}
	resolved := time.Now().UTC()
	inc.ResolvedAt = &resolved
	inc.EndCheckID = "chk-schema-verify-2"
	if err := pg.ResolveIncident(ctx, inc); err != nil {
		return report(verification{"incidents", "❌", "resolve: " + err.Error()})
	}
	return report(verification{"incidents", "✅", "open/resolve ok"})
}

func verifyWallets(ctx context.Context, pg *store.Postgres) verification {
	entry := &core.LedgerEntry{
		CheckID:          core.NewID("chk"),
		ProberID:         "prb-schema-verify",
		AmountMinorUnits: 1,
		CreditedAt:       time.Now().UTC(),
	}
	applied, err := pg.Credit(ctx, entry)
	if err != nil {
		return report(verification{"wallet_ledger", "❌", err.Error()})
	}
	if !applied {
		return report(verification{"wallet_ledger", "❌", "fresh credit reported duplicate"})
	}
	// Redelivery must be a no-op.
	applied, err = pg.Credit(ctx, entry)
	if err != nil || applied {
		return report(verification{"wallet_ledger", "❌", "idempotence check failed"})
	}
	return report(verification{"wallet_ledger", "✅", "credit + idempotent redelivery ok"})
}

func verifyCooldowns(ctx context.Context, pg *store.Postgres) verification {
	now := time.Now().UTC()
	if err := pg.Stamp(ctx, "prb-schema-verify", "tgt-schema-verify", now); err != nil {
		return report(verification{"cooldowns", "❌", err.Error()})
	}
	at, ok, err := pg.LastSubmitted(ctx, "prb-schema-verify", "tgt-schema-verify")
	if err != nil || !ok {
		return report(verification{"cooldowns", "❌", "stamp not found after write"})
	}
	if at.Unix() != now.Unix() {
		return report(verification{"cooldowns", "❌", "stamp timestamp mismatch"})
	}
	return report(verification{"cooldowns", "✅", "stamp/read ok"})
}
