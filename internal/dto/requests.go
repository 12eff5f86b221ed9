package dto

type CardRequest struct {
	Number      string `json:"number" binding:"required"`
	ExpiryMonth string `json:"expiry_month" binding:"required,numeric,len=2"`
	ExpiryYear  string `json:"expiry_year" binding:"required,numeric,min=2,max=4"`
	CVV         string `json:"cvv" binding:"required,numeric,min=3,max=4"`
	Holder      string `json:"holder" binding:"max=64"`
}

// String keeps the card out of any log line that formats the request.
func (c CardRequest) String() string {
	return "card(redacted)"
}

type CheckoutRequest struct {
	MerchantOrderID string      `json:"merchant_order_id" binding:"required,max=64"`
	Amount          string      `json:"amount" binding:"required"`
	Currency        string      `json:"currency" binding:"required,len=3"`
	PaymentType     string      `json:"payment_type" binding:"required,oneof=SALE INSTALLMENT PREAUTH"`
	Installments    int         `json:"installments" binding:"min=0,max=12"`
	Provider        string      `json:"provider"`
	ThreeDSecure    bool        `json:"three_d_secure"`
	Card            CardRequest `json:"card" binding:"required"`
	SuccessURL      string      `json:"success_url" binding:"omitempty,url"`
	FailURL         string      `json:"fail_url" binding:"omitempty,url"`
}

// AmountRequest is the optional body of capture and refund. An empty amount
// means the full amount.
type AmountRequest struct {
	Amount string `json:"amount"`
}
