package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/watchmesh/backend/internal/core"
)

// SpannerWallets implements WalletStore on Cloud Spanner. The ledger row
// keyed by CheckId and the balance update are committed in one read-write
// transaction, so a redelivered credit observes the existing ledger row and
// becomes a no-op.
type SpannerWallets struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerWallets creates a WalletStore backed by Spanner.
func NewSpannerWallets(project, instance, dbName string) (*SpannerWallets, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}

	return &SpannerWallets{
		client: client,
		logger: log.New(log.Writer(), "[SpannerWallets] ", log.LstdFlags),
	}, nil
}

func (sw *SpannerWallets) Credit(ctx context.Context, entry *core.LedgerEntry) (bool, error) {
	applied := false
	_, err := sw.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		// Idempotency gate: a ledger row for this check means we already paid.
		_, err := txn.ReadRow(ctx, "WalletLedger", spanner.Key{entry.CheckID}, []string{"CheckId"})
		if err == nil {
			applied = false
			return nil
		}
		if spanner.ErrCode(err) != codes.NotFound {
			return err
		}

		var balance int64
		row, err := txn.ReadRow(ctx, "ProberWallets", spanner.Key{entry.ProberID}, []string{"BalanceMinorUnits"})
		switch {
		case err == nil:
			if err := row.Columns(&balance); err != nil {
				return err
			}
		case spanner.ErrCode(err) == codes.NotFound:
			balance = 0 // wallet created lazily on first credit
		default:
			return err
		}

		ledgerMutation := spanner.Insert("WalletLedger",
			[]string{"CheckId", "ProberId", "AmountMinorUnits", "CreditedAt"},
			[]interface{}{entry.CheckID, entry.ProberID, entry.AmountMinorUnits, entry.CreditedAt},
		)
		walletMutation := spanner.InsertOrUpdate("ProberWallets",
			[]string{"ProberId", "BalanceMinorUnits", "UpdatedAt"},
			[]interface{}{entry.ProberID, balance + entry.AmountMinorUnits, spanner.CommitTimestamp},
		)

		applied = true
		return txn.BufferWrite([]*spanner.Mutation{ledgerMutation, walletMutation})
	})
	if err != nil {
		return false, core.E(core.Unavailable, "store.Credit", err)
	}

	if applied {
		sw.logger.Printf("💰 Credited %d minor units to prober %s (check %s)",
			entry.AmountMinorUnits, entry.ProberID, entry.CheckID)
	}
	return applied, nil
}

func (sw *SpannerWallets) GetWallet(ctx context.Context, proberID string) (*core.ProberWallet, error) {
	// Stale reads are fine for balance display.
	roTx := sw.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	row, err := roTx.ReadRow(ctx, "ProberWallets", spanner.Key{proberID},
		[]string{"ProberId", "BalanceMinorUnits", "UpdatedAt"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, core.Ef(core.NotFound, "store.GetWallet", "wallet for prober %s not found", proberID)
		}
		return nil, core.E(core.Unavailable, "store.GetWallet", err)
	}

	var w core.ProberWallet
	if err := row.Columns(&w.ProberID, &w.BalanceMinorUnits, &w.UpdatedAt); err != nil {
		return nil, core.E(core.Internal, "store.GetWallet", err)
	}
	return &w, nil
}

func (sw *SpannerWallets) ListLedger(ctx context.Context, proberID string, limit int) ([]*core.LedgerEntry, error) {
	stmt := spanner.Statement{
		SQL: `SELECT CheckId, ProberId, AmountMinorUnits, CreditedAt
		      FROM WalletLedger WHERE ProberId = @prober
		      ORDER BY CreditedAt DESC`,
		Params: map[string]interface{}{"prober": proberID},
	}
	if limit > 0 {
		stmt.SQL += " LIMIT @limit"
		stmt.Params["limit"] = int64(limit)
	}

	iter := sw.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var out []*core.LedgerEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, core.E(core.Unavailable, "store.ListLedger", err)
		}
		var e core.LedgerEntry
		if err := row.Columns(&e.CheckID, &e.ProberID, &e.AmountMinorUnits, &e.CreditedAt); err != nil {
			return nil, core.E(core.Internal, "store.ListLedger", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Close releases the Spanner client.
func (sw *SpannerWallets) Close() { sw.client.Close() }
