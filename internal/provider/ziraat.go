package provider

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/model"
)

const ZiraatName = "ziraat"

var ziraatNative = NewCapabilitySet(
	CapAuthorize, CapPreAuth, CapCapture, CapRefund, CapVoid, CapQuery, Cap3DS, CapInstallment,
)

// Ziraat talks to the Nestpay (EST) XML API behind Ziraat Bank's virtual POS.
type Ziraat struct {
	cfg    config.ZiraatPOSConfig
	caps   CapabilitySet
	client *gatewayClient
}

func NewZiraat(cfg config.ZiraatPOSConfig, hc *http.Client) (*Ziraat, error) {
	if cfg.ClientID == "" || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("ziraat: client_id, username and password are required")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("ziraat: api_url is required")
	}
	caps, err := ziraatNative.Without(cfg.DisabledCapabilities)
	if err != nil {
		return nil, fmt.Errorf("ziraat: %w", err)
	}
	if caps.Has(Cap3DS) && (cfg.StoreKey == "" || cfg.ThreeDSGateURL == "") {
		return nil, fmt.Errorf("ziraat: store_key and three_ds_gate_url are required for 3ds")
	}
	return &Ziraat{cfg: cfg, caps: caps, client: newGatewayClient(ZiraatName, hc, cfg.Timeout)}, nil
}

func (z *Ziraat) Name() string                { return ZiraatName }
func (z *Ziraat) Capabilities() CapabilitySet { return z.caps }

type cc5Request struct {
	XMLName  xml.Name `xml:"CC5Request"`
	Name     string   `xml:"Name"`
	Password string   `xml:"Password"`
	ClientID string   `xml:"ClientId"`
	Type     string   `xml:"Type,omitempty"`
	IP       string   `xml:"IPAddress,omitempty"`
	Mode     string   `xml:"Mode,omitempty"`
	OrderID  string   `xml:"OrderId"`
	Total    string   `xml:"Total,omitempty"`
	Currency string   `xml:"Currency,omitempty"`
	Taksit   string   `xml:"Taksit,omitempty"`

	Number  string `xml:"Number,omitempty"`
	Expires string `xml:"Expires,omitempty"`
	Cvv2Val string `xml:"Cvv2Val,omitempty"`

	PayerTxnID              string `xml:"PayerTxnId,omitempty"`
	PayerSecurityLevel      string `xml:"PayerSecurityLevel,omitempty"`
	PayerAuthenticationCode string `xml:"PayerAuthenticationCode,omitempty"`

	Extra *cc5Extra `xml:"Extra,omitempty"`
}

type cc5Extra struct {
	OrderStatus string `xml:"ORDERSTATUS,omitempty"`
}

type cc5Response struct {
	XMLName        xml.Name `xml:"CC5Response"`
	OrderID        string   `xml:"OrderId"`
	Response       string   `xml:"Response"`
	AuthCode       string   `xml:"AuthCode"`
	HostRefNum     string   `xml:"HostRefNum"`
	ProcReturnCode string   `xml:"ProcReturnCode"`
	TransID        string   `xml:"TransId"`
	ErrMsg         string   `xml:"ErrMsg"`
	Extra          struct {
		TransStat    string `xml:"TRANS_STAT"`
		ChargeType   string `xml:"CHARGE_TYPE_CD"`
		OrigTransID  string `xml:"ORIG_TRANS_ID"`
		CapturedAmt  string `xml:"CAPTURE_AMT"`
		AuthCode     string `xml:"AUTH_CODE"`
		HostRefNum   string `xml:"HOST_REF_NUM"`
		ProcReturned string `xml:"PROC_RET_CD"`
	} `xml:"Extra"`
}

func (z *Ziraat) base(typ, orderID string) cc5Request {
	return cc5Request{
		Name:     z.cfg.Username,
		Password: z.cfg.Password,
		ClientID: z.cfg.ClientID,
		Type:     typ,
		Mode:     "P",
		OrderID:  orderID,
	}
}

func (z *Ziraat) Authorize(ctx context.Context, req AuthorizeRequest) (*Response, error) {
	typ := "Auth"
	if req.PreAuth() {
		typ = "PreAuth"
	}
	r := z.base(typ, req.OrderID)
	r.IP = req.ClientIP
	r.Total = formatAmount(req.Amount)
	r.Currency = req.Currency.Numeric()
	r.Taksit = installmentCount(req.PaymentType, req.Installments)

	switch {
	case req.ThreeDS != nil:
		// With 3D the md replaces the card number.
		r.Number = req.ThreeDS.Reference
		r.PayerTxnID = req.ThreeDS.Result.XID
		r.PayerSecurityLevel = req.ThreeDS.Result.ECI
		r.PayerAuthenticationCode = req.ThreeDS.Result.CAVV
	case req.Card != nil:
		r.Number = req.Card.PAN
		r.Expires = req.Card.ExpiryMonth + "/" + shortYear(req.Card.ExpiryYear)
		r.Cvv2Val = req.Card.CVV
	default:
		return nil, model.Validationf("ziraat authorize", "card or 3ds reference required")
	}
	return z.send(ctx, typ, r, false)
}

func (z *Ziraat) Capture(ctx context.Context, req CaptureRequest) (*Response, error) {
	r := z.base("PostAuth", req.OrderID)
	r.Total = formatAmount(req.Amount)
	r.Currency = req.Currency.Numeric()
	return z.send(ctx, "PostAuth", r, false)
}

func (z *Ziraat) Refund(ctx context.Context, req RefundRequest) (*Response, error) {
	r := z.base("Credit", req.OrderID)
	r.Total = formatAmount(req.Amount)
	r.Currency = req.Currency.Numeric()
	return z.send(ctx, "Credit", r, false)
}

func (z *Ziraat) Void(ctx context.Context, req VoidRequest) (*Response, error) {
	return z.send(ctx, "Void", z.base("Void", req.OrderID), false)
}

func (z *Ziraat) QueryStatus(ctx context.Context, req QueryRequest) (*Response, error) {
	r := z.base("", req.OrderID)
	r.Mode = ""
	r.Extra = &cc5Extra{OrderStatus: "QUERY"}
	return z.send(ctx, "OrderStatus", r, true)
}

func (z *Ziraat) send(ctx context.Context, op string, r cc5Request, idempotent bool) (*Response, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode cc5 request: %w", err)
	}
	payload := append([]byte(xml.Header), body...)

	raw, err := z.client.do(ctx, call{
		op:          op,
		url:         z.cfg.APIURL,
		contentType: "application/xml; charset=utf-8",
		body:        payload,
		idempotent:  idempotent,
	})
	if err != nil {
		return nil, err
	}

	var resp cc5Response
	if err := xml.Unmarshal(raw, &resp); err != nil {
		return nil, z.client.ambiguous(op, err)
	}
	out := normaliseCC5(resp, r.Extra != nil)

	log.Debug().Str("provider", ZiraatName).Str("op", op).Str("order_id", r.OrderID).
		Str("result", string(out.Status)).Str("proc_return_code", resp.ProcReturnCode).
		Msg("gateway response")
	return out, nil
}

func normaliseCC5(resp cc5Response, query bool) *Response {
	out := &Response{
		GatewayTxnID: resp.TransID,
		AuthCode:     resp.AuthCode,
		HostRef:      resp.HostRefNum,
		ResponseCode: resp.ProcReturnCode,
		Message:      resp.ErrMsg,
	}
	switch {
	case resp.Response == "Approved" && resp.ProcReturnCode == "00":
		out.Status = StatusApproved
	case resp.Response == "Declined":
		out.Status = StatusDeclined
	default:
		out.Status = StatusError
	}
	if query {
		out.Settlement = nestpaySettlement(resp)
		if out.AuthCode == "" {
			out.AuthCode = resp.Extra.AuthCode
		}
		if out.HostRef == "" {
			out.HostRef = resp.Extra.HostRefNum
		}
	}
	return out
}

// nestpaySettlement maps ORDERSTATUS TRANS_STAT codes: A auth hold, C/S
// completed sale or post-auth, V void, R refund, D decline.
func nestpaySettlement(resp cc5Response) model.Status {
	if resp.ProcReturnCode != "00" {
		return ""
	}
	switch strings.ToUpper(resp.Extra.TransStat) {
	case "A":
		return model.StatusAuthorized
	case "C", "S":
		return model.StatusCaptured
	case "V":
		return model.StatusVoided
	case "R":
		return model.StatusRefunded
	case "D", "ERR":
		return model.StatusDeclined
	}
	return ""
}

// Initiate3DS builds the signed 3D-Pay form. The browser posts it to the
// bank's 3D gate together with the card fields it collected; the card never
// appears in the returned fields.
func (z *Ziraat) Initiate3DS(_ context.Context, req ThreeDSRequest) (*model.ThreeDSChallenge, error) {
	txnType := "Auth"
	if req.PaymentType == model.PaymentPreAuth {
		txnType = "PreAuth"
	}
	rnd, err := randomHex(10)
	if err != nil {
		return nil, fmt.Errorf("ziraat 3ds nonce: %w", err)
	}
	fields := map[string]string{
		"clientid":      z.cfg.ClientID,
		"storetype":     "3d",
		"hashAlgorithm": "ver3",
		"amount":        formatAmount(req.Amount),
		"currency":      req.Currency.Numeric(),
		"oid":           req.OrderID,
		"okUrl":         req.SuccessURL,
		"failUrl":       req.FailURL,
		"callbackUrl":   req.SuccessURL,
		"rnd":           rnd,
		"lang":          z.cfg.Lang,
		"TranType":      txnType,
		"Instalment":    installmentCount(req.PaymentType, req.Installments),
	}
	fields["hash"] = nestpayHash(fields, z.cfg.StoreKey)

	return &model.ThreeDSChallenge{
		RedirectURL: z.cfg.ThreeDSGateURL,
		Method:      http.MethodPost,
		Fields:      fields,
		Reference:   req.OrderID,
	}, nil
}

// nestpayHash implements hash version 3: every field except hash and
// encoding, ordered by lower-cased name, values escaped and joined with "|",
// then the store key; SHA-512, base64.
func nestpayHash(fields map[string]string, storeKey string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		lk := strings.ToLower(k)
		if lk == "hash" || lk == "encoding" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return strings.ToLower(keys[i]) < strings.ToLower(keys[j]) })

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(escapeHashValue(fields[k]))
		b.WriteByte('|')
	}
	b.WriteString(escapeHashValue(storeKey))

	sum := sha512.Sum512([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyCallback checks the 3D gate's signature on the callback parameters
// and that the signed oid and amount belong to orderID.
func (z *Ziraat) VerifyCallback(params map[string]string, orderID string, amount decimal.Decimal) error {
	const op = "ziraat 3ds callback"
	if !VerifyNestpayCallback(params, z.cfg.StoreKey) {
		return model.Validationf(op, "hash mismatch")
	}
	if params["oid"] != orderID {
		return model.Validationf(op, "callback belongs to another order")
	}
	signed, err := decimal.NewFromString(params["amount"])
	if err != nil || !signed.Equal(amount) {
		return model.Validationf(op, "signed amount does not match the order")
	}
	return nil
}

// VerifyNestpayCallback recomputes the hash over the callback parameters.
func VerifyNestpayCallback(params map[string]string, storeKey string) bool {
	got, ok := params["HASH"]
	if !ok {
		got = params["hash"]
	}
	if got == "" {
		return false
	}
	return nestpayHash(params, storeKey) == got
}

func escapeHashValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, "|", `\|`)
}

func shortYear(y string) string {
	if len(y) == 4 {
		return y[2:]
	}
	return y
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
