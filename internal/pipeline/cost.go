package pipeline

// Cost converts measured usage into credits:
// max(minCharge, ceil(tokens/tokensPerCredit)) + imageUnits.
func Cost(u Usage, minCharge, tokensPerCredit int) int {
	if tokensPerCredit <= 0 {
		tokensPerCredit = 1000
	}
	tokens := u.Tokens
	if tokens < 0 {
		tokens = 0
	}
	credits := (tokens + tokensPerCredit - 1) / tokensPerCredit
	if credits < minCharge {
		credits = minCharge
	}
	if u.ImageUnits > 0 {
		credits += u.ImageUnits
	}
	return credits
}
