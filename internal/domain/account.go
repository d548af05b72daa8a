package domain

type BillingMode string

const (
	BillingModeUnlimited BillingMode = "unlimited"
	BillingModeMinutes   BillingMode = "minutes"
	BillingModeCredits   BillingMode = "credits"
)

// Account is the tenant billing context. The engine only reads it; balance
// mutation belongs to the billing collaborator.
type Account struct {
	ID        string
	Mode      BillingMode
	Remaining float64
}
