package economy

// MaxTaxRateBps caps every tax rate at 50%.
const MaxTaxRateBps = 5000

// ClampTaxBps bounds a stored rate to [0, MaxTaxRateBps].
func ClampTaxBps(bps int) int {
	if bps < 0 {
		return 0
	}
	if bps > MaxTaxRateBps {
		return MaxTaxRateBps
	}
	return bps
}

// SplitTax divides gross proceeds into the treasury's tax and the seller's net.
// tax + net == gross always holds.
func SplitTax(gross int64, bps int) (tax, net int64) {
	if gross <= 0 {
		return 0, gross
	}
	tax = gross * int64(ClampTaxBps(bps)) / 10000
	return tax, gross - tax
}
