package invoice

import (
	"fmt"
	"strings"

	"github.com/procura-erp/procura/internal/order"
)

// MatchPolicy tunes the three-way match.
type MatchPolicy struct {
	// ToleranceBps is the allowed total deviation from the PO total, in
	// basis points of the PO total.
	ToleranceBps int64
}

// ThreeWayMatch reconciles the invoice against the purchase order and
// its cumulative receipts. The match passes when the invoice total is
// within tolerance of the PO total and no line bills more than was
// received. Every violation is reported, not just the first.
func ThreeWayMatch(inv Invoice, lines []Line, po order.PurchaseOrder, poLines []order.POLine, policy MatchPolicy) []MatchExceptionDetail {
	var exceptions []MatchExceptionDetail

	deviation := inv.TotalCents - po.TotalCents
	if deviation < 0 {
		deviation = -deviation
	}
	allowed := po.TotalCents * policy.ToleranceBps / 10_000
	if deviation > allowed {
		exceptions = append(exceptions, MatchExceptionDetail{
			Field:    "total_cents",
			Expected: fmt.Sprintf("%d", po.TotalCents),
			Actual:   fmt.Sprintf("%d", inv.TotalCents),
		})
	}

	received := make(map[string]int64, len(poLines))
	for _, l := range poLines {
		received[normalizeDesc(l.Description)] += l.ReceivedQuantity
	}
	billed := make(map[string]int64, len(lines))
	for _, l := range lines {
		billed[normalizeDesc(l.Description)] += l.Quantity
	}
	for _, l := range lines {
		key := normalizeDesc(l.Description)
		qty, pending := billed[key]
		if !pending {
			continue
		}
		delete(billed, key)
		got, ok := received[key]
		if !ok {
			exceptions = append(exceptions, MatchExceptionDetail{
				Field:    "line." + key,
				Expected: "ordered line item",
				Actual:   "not on purchase order",
			})
			continue
		}
		if qty > got {
			exceptions = append(exceptions, MatchExceptionDetail{
				Field:    "line." + key + ".quantity",
				Expected: fmt.Sprintf("%d", got),
				Actual:   fmt.Sprintf("%d", qty),
			})
		}
	}
	return exceptions
}

func normalizeDesc(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
