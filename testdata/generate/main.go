// Command generate produces deterministic seed data: a merchant directory and
// two weeks of completed transactions across the supported currencies.
//
// Run from the repo root:
//
//	go run ./testdata/generate
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nordpay/settlements/internal/domain"
)

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	// Date range: 2025-06-02 to 2025-06-15.
	startDate := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	endDate := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	dayRange := int(endDate.Sub(startDate).Hours() / 24)

	type merchantGroup struct {
		currency string
		prefix   string
		count    int
	}
	groups := []merchantGroup{
		{"NOK", "NO", 8},
		{"SEK", "SE", 5},
		{"DKK", "DK", 4},
		{"EUR", "EU", 3},
	}

	var merchants []domain.Merchant
	currencyOf := make(map[string]string)
	for _, g := range groups {
		for i := 1; i <= g.count; i++ {
			id := fmt.Sprintf("M-%s-%03d", g.prefix, i)
			// A couple of edge cases: one unverified and one freshly
			// onboarded merchant per currency group.
			verified := i != g.count
			onboarded := startDate.AddDate(0, -6, 0)
			if i == 1 {
				onboarded = startDate.AddDate(0, 0, -3)
			}
			merchants = append(merchants, domain.Merchant{
				ID:                    id,
				Active:                true,
				Verified:              verified,
				OnboardedAt:           onboarded,
				CommissionRate:        decimal.NewFromFloat(0.025),
				AutoSettlementEnabled: i%2 == 0,
				SettlementDelayDays:   1,
			})
			currencyOf[id] = g.currency
		}
	}

	var txns []domain.SourceTransaction
	seq := 0
	for _, m := range merchants {
		// 20 to 60 transactions per merchant.
		n := 20 + rng.Intn(41)
		for i := 0; i < n; i++ {
			seq++
			day := rng.Intn(dayRange)
			completedAt := startDate.AddDate(0, 0, day).Add(
				time.Duration(rng.Intn(24))*time.Hour + time.Duration(rng.Intn(60))*time.Minute,
			)

			// Amount between 50 and 5000, in cents for exactness.
			cents := int64(5000 + rng.Intn(495001))
			amount := decimal.New(cents, -2)
			kind := domain.KindPayment
			// Roughly 8% refunds, negative amount, no fee.
			fee := amount.Mul(decimal.NewFromFloat(0.025)).Round(2)
			if rng.Float64() < 0.08 {
				kind = domain.KindRefund
				amount = amount.Neg()
				fee = decimal.Zero
			}

			// 90% completed, the rest pending or failed and thus ineligible.
			status := domain.TxCompleted
			roll := rng.Float64()
			if roll >= 0.95 {
				status = domain.TxFailed
			} else if roll >= 0.90 {
				status = domain.TxPending
			}

			txns = append(txns, domain.SourceTransaction{
				ID:          fmt.Sprintf("TXN-%06d", seq),
				MerchantID:  m.ID,
				Kind:        kind,
				Amount:      amount,
				Fee:         fee,
				Currency:    currencyOf[m.ID],
				Status:      status,
				CompletedAt: completedAt,
			})
		}
	}

	writeJSON(filepath.Join(baseDir, "merchants.json"), merchants)
	writeJSON(filepath.Join(baseDir, "transactions.json"), txns)
	log.Printf("Generated %d merchants and %d transactions", len(merchants), len(txns))
}

func findTestdataDir() string {
	for _, dir := range []string{"testdata", filepath.Join("..", "..", "testdata"), "."} {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	log.Fatal("could not locate testdata directory")
	return ""
}

func writeJSON(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		log.Fatalf("write %s: %v", path, err)
	}
	log.Printf("Wrote %s", path)
}
