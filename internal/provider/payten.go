package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/anyulbade/vpos-engine/internal/config"
	"github.com/anyulbade/vpos-engine/internal/model"
)

const PaytenName = "payten"

// Installments are sold through a separate MSU product this merchant account
// does not carry.
var paytenNative = NewCapabilitySet(
	CapAuthorize, CapPreAuth, CapCapture, CapRefund, CapVoid, CapQuery, Cap3DS,
)

// Payten talks to the Payten MSU (merchantsafeunipay) form API.
type Payten struct {
	cfg    config.PaytenPOSConfig
	caps   CapabilitySet
	client *gatewayClient
}

func NewPayten(cfg config.PaytenPOSConfig, hc *http.Client) (*Payten, error) {
	if cfg.Merchant == "" || cfg.MerchantUser == "" || cfg.MerchantPassword == "" {
		return nil, fmt.Errorf("payten: merchant, merchant_user and merchant_password are required")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("payten: api_url is required")
	}
	caps, err := paytenNative.Without(cfg.DisabledCapabilities)
	if err != nil {
		return nil, fmt.Errorf("payten: %w", err)
	}
	if caps.Has(Cap3DS) && cfg.ThreeDSGateURL == "" {
		return nil, fmt.Errorf("payten: three_ds_gate_url is required for 3ds")
	}
	return &Payten{cfg: cfg, caps: caps, client: newGatewayClient(PaytenName, hc, cfg.Timeout)}, nil
}

func (p *Payten) Name() string                { return PaytenName }
func (p *Payten) Capabilities() CapabilitySet { return p.caps }

type msuResponse struct {
	ResponseCode   string           `json:"responseCode"`
	ResponseMsg    string           `json:"responseMsg"`
	ErrorCode      string           `json:"errorCode"`
	ErrorMsg       string           `json:"errorMsg"`
	PgTranID       string           `json:"pgTranId"`
	PgTranRefID    string           `json:"pgTranRefId"`
	PgOrderID      string           `json:"pgOrderId"`
	AuthCode       string           `json:"authCode"`
	SessionToken   string           `json:"sessionToken"`
	TransactionLst []msuTransaction `json:"transactionList"`
}

type msuTransaction struct {
	PgTranID          string `json:"pgTranId"`
	TransactionType   string `json:"transactionType"`
	TransactionStatus string `json:"transactionStatus"`
	AuthCode          string `json:"authCode"`
	PgTranRefID       string `json:"pgTranRefId"`
}

func (p *Payten) form(action, orderID string) url.Values {
	v := url.Values{}
	v.Set("ACTION", action)
	v.Set("MERCHANT", p.cfg.Merchant)
	v.Set("MERCHANTUSER", p.cfg.MerchantUser)
	v.Set("MERCHANTPASSWORD", p.cfg.MerchantPassword)
	v.Set("MERCHANTPAYMENTID", orderID)
	return v
}

func (p *Payten) Authorize(ctx context.Context, req AuthorizeRequest) (*Response, error) {
	action := "SALE"
	if req.PreAuth() {
		action = "PREAUTH"
	}
	v := p.form(action, req.OrderID)
	v.Set("AMOUNT", formatAmount(req.Amount))
	v.Set("CURRENCY", string(req.Currency))
	if n := installmentCount(req.PaymentType, req.Installments); n != "" {
		v.Set("INSTALLMENTCOUNT", n)
	}
	if req.ClientIP != "" {
		v.Set("CUSTOMERIP", req.ClientIP)
	}

	switch {
	case req.ThreeDS != nil:
		v.Set("SESSIONTOKEN", req.ThreeDS.Reference)
		if req.ThreeDS.Result.ECI != "" {
			v.Set("ECI", req.ThreeDS.Result.ECI)
		}
		if req.ThreeDS.Result.CAVV != "" {
			v.Set("CAVV", req.ThreeDS.Result.CAVV)
		}
		v.Set("MDSTATUS", req.ThreeDS.Result.MDStatus)
	case req.Card != nil:
		v.Set("CARDPAN", req.Card.PAN)
		v.Set("CARDEXPIRY", req.Card.ExpiryMonth+"."+shortYear(req.Card.ExpiryYear))
		v.Set("CARDCVV", req.Card.CVV)
		if req.Card.Holder != "" {
			v.Set("NAMEONCARD", req.Card.Holder)
		}
	default:
		return nil, model.Validationf("payten authorize", "card or 3ds reference required")
	}
	return p.send(ctx, action, v, false)
}

func (p *Payten) Capture(ctx context.Context, req CaptureRequest) (*Response, error) {
	v := p.form("POSTAUTH", req.OrderID)
	v.Set("AMOUNT", formatAmount(req.Amount))
	v.Set("CURRENCY", string(req.Currency))
	if req.GatewayTxnID != "" {
		v.Set("PGTRANID", req.GatewayTxnID)
	}
	return p.send(ctx, "POSTAUTH", v, false)
}

func (p *Payten) Refund(ctx context.Context, req RefundRequest) (*Response, error) {
	v := p.form("REFUND", req.OrderID)
	v.Set("AMOUNT", formatAmount(req.Amount))
	v.Set("CURRENCY", string(req.Currency))
	if req.GatewayTxnID != "" {
		v.Set("PGTRANID", req.GatewayTxnID)
	}
	return p.send(ctx, "REFUND", v, false)
}

func (p *Payten) Void(ctx context.Context, req VoidRequest) (*Response, error) {
	v := p.form("VOID", req.OrderID)
	if req.GatewayTxnID != "" {
		v.Set("PGTRANID", req.GatewayTxnID)
	}
	return p.send(ctx, "VOID", v, false)
}

func (p *Payten) QueryStatus(ctx context.Context, req QueryRequest) (*Response, error) {
	v := p.form("QUERYTRANSACTION", req.OrderID)
	resp, raw, err := p.post(ctx, "QUERYTRANSACTION", v, true)
	if err != nil {
		return nil, err
	}
	resp.Settlement = msuSettlement(raw.TransactionLst)
	for _, t := range raw.TransactionLst {
		if t.TransactionStatus == "AP" && resp.GatewayTxnID == "" {
			resp.GatewayTxnID = t.PgTranID
			resp.AuthCode = t.AuthCode
			resp.HostRef = t.PgTranRefID
		}
	}
	return resp, nil
}

// Initiate3DS asks the gateway for a payment session. The browser posts the
// card fields to the 3D gate under that session.
func (p *Payten) Initiate3DS(ctx context.Context, req ThreeDSRequest) (*model.ThreeDSChallenge, error) {
	v := p.form("SESSIONTOKEN", req.OrderID)
	v.Set("SESSIONTYPE", "PAYMENTSESSION")
	v.Set("AMOUNT", formatAmount(req.Amount))
	v.Set("CURRENCY", string(req.Currency))
	v.Set("RETURNURL", req.SuccessURL)
	if req.PaymentType == model.PaymentPreAuth {
		v.Set("TRANSACTIONTYPE", "PREAUTH")
	}
	if n := installmentCount(req.PaymentType, req.Installments); n != "" {
		v.Set("INSTALLMENTCOUNT", n)
	}

	resp, raw, err := p.post(ctx, "SESSIONTOKEN", v, false)
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusApproved || raw.SessionToken == "" {
		return nil, model.NewError(model.KindGatewayError, "payten 3ds", "session token not issued: "+resp.ResponseCode)
	}
	return &model.ThreeDSChallenge{
		RedirectURL: strings.TrimRight(p.cfg.ThreeDSGateURL, "/") + "/" + url.PathEscape(raw.SessionToken),
		Method:      http.MethodPost,
		Reference:   raw.SessionToken,
	}, nil
}

func (p *Payten) send(ctx context.Context, op string, v url.Values, idempotent bool) (*Response, error) {
	resp, _, err := p.post(ctx, op, v, idempotent)
	return resp, err
}

func (p *Payten) post(ctx context.Context, op string, v url.Values, idempotent bool) (*Response, *msuResponse, error) {
	body, err := p.client.do(ctx, call{
		op:          op,
		url:         p.cfg.APIURL,
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(v.Encode()),
		idempotent:  idempotent,
	})
	if err != nil {
		return nil, nil, err
	}

	var raw msuResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, p.client.ambiguous(op, err)
	}
	out := normaliseMSU(raw)

	log.Debug().Str("provider", PaytenName).Str("op", op).Str("order_id", v.Get("MERCHANTPAYMENTID")).
		Str("result", string(out.Status)).Str("response_code", raw.ResponseCode).
		Msg("gateway response")
	return out, &raw, nil
}

func normaliseMSU(raw msuResponse) *Response {
	out := &Response{
		GatewayTxnID: raw.PgTranID,
		AuthCode:     raw.AuthCode,
		HostRef:      raw.PgTranRefID,
		ResponseCode: raw.ResponseCode,
		Message:      raw.ResponseMsg,
	}
	if raw.ErrorCode != "" {
		out.ResponseCode = raw.ErrorCode
		out.Message = raw.ErrorMsg
	}
	switch {
	case raw.ResponseCode == "00":
		out.Status = StatusApproved
	case raw.ErrorCode != "":
		out.Status = StatusError
	case raw.ResponseCode != "":
		out.Status = StatusDeclined
	default:
		out.Status = StatusError
	}
	return out
}

// msuSettlement folds the transaction list of an order into one lifecycle
// status. Later approved operations override earlier ones.
func msuSettlement(list []msuTransaction) model.Status {
	var (
		anyApproved bool
		state       model.Status
		rank        int
	)
	order := map[string]struct {
		status model.Status
		rank   int
	}{
		"PREAUTH":  {model.StatusAuthorized, 1},
		"SALE":     {model.StatusCaptured, 2},
		"POSTAUTH": {model.StatusCaptured, 2},
		"REFUND":   {model.StatusRefunded, 3},
		"VOID":     {model.StatusVoided, 4},
	}
	for _, t := range list {
		if t.TransactionStatus != "AP" {
			continue
		}
		anyApproved = true
		if o, ok := order[strings.ToUpper(t.TransactionType)]; ok && o.rank > rank {
			state, rank = o.status, o.rank
		}
	}
	if !anyApproved && len(list) > 0 {
		return model.StatusDeclined
	}
	return state
}
