package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/model"
)

const payHeroProvider = "m-pesa"

// PayHeroGateway authenticates with a static Basic header built once from
// the configured api username and password.
type PayHeroGateway struct {
	client      *http.Client
	logger      *zap.SugaredLogger
	url         string
	auth        string
	channelID   string
	callbackURL string
}

func NewPayHeroGateway(client *http.Client, cfg *Config, logger *zap.SugaredLogger) *PayHeroGateway {
	return &PayHeroGateway{
		client:      client,
		logger:      logger,
		url:         cfg.GatewayURL,
		auth:        "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password)),
		channelID:   cfg.ChannelID,
		callbackURL: cfg.CallbackEndpoint(),
	}
}

func (g *PayHeroGateway) Name() string {
	return ProviderPayHero
}

func (g *PayHeroGateway) Initiate(ctx context.Context, r model.InitiateRequest) (model.Acknowledgment, error) {
	req := payHeroPaymentRequest{
		Amount:            r.Amount.Round(0).IntPart(),
		PhoneNumber:       r.PhoneNumber,
		ChannelID:         json.Number(g.channelID),
		Provider:          payHeroProvider,
		ExternalReference: r.ExternalReference,
		CallbackURL:       g.callbackURL,
		RedirectURL:       r.RedirectURL,
	}

	var res payHeroPaymentResponse
	status, err := doJSON(ctx, g.client, http.MethodPost, g.url+"/api/v2/payments", g.header(), req, &res)
	if err != nil {
		return model.Acknowledgment{}, &GatewayError{Provider: g.Name(), Op: OpInitiate, StatusCode: status, Err: err}
	}
	if !res.Success {
		return model.Acknowledgment{}, &GatewayError{Provider: g.Name(), Op: OpInitiate, StatusCode: status, Err: errRejected(res.Status)}
	}

	g.logger.Infow("stk push queued", "reference", res.Reference, "checkoutRequestId", res.CheckoutRequestID)

	return model.Acknowledgment{
		Provider:          g.Name(),
		Success:           true,
		Status:            res.Status,
		Reference:         res.Reference,
		CheckoutRequestID: res.CheckoutRequestID,
		ExternalReference: r.ExternalReference,
	}, nil
}

func (g *PayHeroGateway) QueryStatus(ctx context.Context, reference string) (model.GatewayStatus, error) {
	u := g.url + "/api/v2/transaction-status?reference=" + url.QueryEscape(reference)

	var res payHeroStatusResponse
	status, err := doJSON(ctx, g.client, http.MethodGet, u, g.header(), nil, &res)
	if err != nil {
		return model.GatewayStatus{}, &GatewayError{Provider: g.Name(), Op: OpQuery, StatusCode: status, Err: err}
	}

	checkoutID := res.CheckoutRequestID
	if checkoutID == "" {
		checkoutID = reference
	}
	return model.GatewayStatus{
		Provider:          g.Name(),
		State:             payHeroState(res.Status),
		Amount:            res.Amount,
		Reference:         res.Reference,
		ProviderReference: res.ProviderReference,
		CheckoutRequestID: checkoutID,
		ExternalReference: res.ExternalReference,
		Message:           res.Status,
	}, nil
}

// ParseCallback accepts both the flat callback body and PayHero's nested
// {"status":..,"response":{..}} envelope.
func (g *PayHeroGateway) ParseCallback(body []byte) (model.CallbackResult, error) {
	var cb payHeroCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return model.CallbackResult{}, ErrMalformedCallback
	}

	if cb.Response != nil {
		r := cb.Response
		if r.ResultCode == nil || (r.ExternalReference == "" && r.CheckoutRequestID == "") {
			return model.CallbackResult{}, ErrMalformedCallback
		}
		return model.CallbackResult{
			Success:           *r.ResultCode == 0,
			Reference:         r.CheckoutRequestID,
			ExternalReference: r.ExternalReference,
			CheckoutRequestID: r.CheckoutRequestID,
			ProviderReference: r.MpesaReceiptNumber,
			Amount:            r.Amount,
			Message:           r.ResultDesc,
		}, nil
	}

	if cb.Success == nil || cb.Reference == "" || cb.UserReference == "" {
		return model.CallbackResult{}, ErrMalformedCallback
	}
	return model.CallbackResult{
		Success:           *cb.Success,
		Reference:         cb.Reference,
		ExternalReference: cb.UserReference,
		CheckoutRequestID: cb.CheckoutRequestID,
		ProviderReference: cb.ProviderReference,
		Amount:            cb.Amount,
		Message:           cb.Message,
	}, nil
}

func (g *PayHeroGateway) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", g.auth)
	return h
}

func payHeroState(status string) model.PaymentState {
	switch strings.ToUpper(status) {
	case "SUCCESS":
		return model.PaymentStateSuccess
	case "FAILED", "CANCELLED":
		return model.PaymentStateFailed
	}
	return model.PaymentStatePending
}

type rejectedError string

func (e rejectedError) Error() string {
	return "request rejected: " + string(e)
}

func errRejected(reason string) error {
	if reason == "" {
		reason = "no reason given"
	}
	return rejectedError(reason)
}

type payHeroPaymentRequest struct {
	Amount            int64       `json:"amount"`
	PhoneNumber       string      `json:"phone_number"`
	ChannelID         json.Number `json:"channel_id"`
	Provider          string      `json:"provider"`
	ExternalReference string      `json:"external_reference"`
	CallbackURL       string      `json:"callback_url"`
	RedirectURL       string      `json:"redirect_url,omitempty"`
}

type payHeroPaymentResponse struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	Reference         string `json:"reference"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type payHeroStatusResponse struct {
	Status            string          `json:"status"`
	Reference         string          `json:"reference"`
	CheckoutRequestID string          `json:"CheckoutRequestID"`
	ProviderReference string          `json:"provider_reference"`
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"amount"`
}

type payHeroCallback struct {
	Success           *bool            `json:"success"`
	Reference         string           `json:"reference"`
	UserReference     string           `json:"user_reference"`
	CheckoutRequestID string           `json:"checkout_request_id"`
	ProviderReference string           `json:"provider_reference"`
	Amount            decimal.Decimal  `json:"amount"`
	Message           string           `json:"message"`
	Response          *payHeroResponse `json:"response"`
}

type payHeroResponse struct {
	Amount             decimal.Decimal `json:"Amount"`
	CheckoutRequestID  string          `json:"CheckoutRequestID"`
	ExternalReference  string          `json:"ExternalReference"`
	MpesaReceiptNumber string          `json:"MpesaReceiptNumber"`
	ResultCode         *int            `json:"ResultCode"`
	ResultDesc         string          `json:"ResultDesc"`
}
