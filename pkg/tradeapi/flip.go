package tradeapi

import "fmt"

// FlipContractDirection converts a purchase contract payload into the sales
// order the counterpart sees: buyer and seller swap sides, delivery terms
// carry over, and the original contract is referenced for traceability.
func FlipContractDirection(contract map[string]any) map[string]any {
	contractNumber := "N/A"
	if n, ok := contract["contract_number"].(string); ok && n != "" {
		contractNumber = n
	}

	return map[string]any{
		"type":               "sales_order",
		"external_reference": contract["id"],
		"buyer":              contract["seller"],
		"seller":             contract["buyer"],
		"items":              contract["items"],
		"delivery_address":   contract["delivery_address"],
		"delivery_date":      contract["delivery_date"],
		"payment_terms":      contract["payment_terms"],
		"notes":              fmt.Sprintf("Processed via QbilHub - Original contract: %s", contractNumber),
	}
}
