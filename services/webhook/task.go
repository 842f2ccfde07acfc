package webhook

const (
	TypeRegister = "webhook:register"
	TypeDeliver  = "webhook:deliver"
)

// RegisterPayload asks the worker to register (or remove) the premium
// notification callback for one user.
type RegisterPayload struct {
	UserID int64 `json:"user_id"`
	Delete bool  `json:"delete"`
}

// DeliverPayload is one pending event delivery. Attempts counts down;
// the delivery is dropped when it reaches zero.
type DeliverPayload struct {
	CallbackURL string `json:"callback_url"`
	Orcid       string `json:"orcid"`
	UpdatedAt   string `json:"updated_at"`
	Attempts    int    `json:"attempts"`
}
