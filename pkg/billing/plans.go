package billing

import "strings"

// PlanMapping resolves provider price or product IDs to local plan IDs.
type PlanMapping struct {
	plans map[string]string
}

// NewPlanMapping normalizes keys to lower case.
func NewPlanMapping(m map[string]string) *PlanMapping {
	plans := make(map[string]string, len(m))
	for k, v := range m {
		plans[normalizeKey(k)] = v
	}
	return &PlanMapping{plans: plans}
}

// Resolve returns the plan for a price, then for its product, then the product ID itself.
func (p *PlanMapping) Resolve(priceID, productID string) string {
	if p != nil {
		if plan, ok := p.plans[normalizeKey(priceID)]; ok && priceID != "" {
			return plan
		}
		if plan, ok := p.plans[normalizeKey(productID)]; ok && productID != "" {
			return plan
		}
	}
	return productID
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
