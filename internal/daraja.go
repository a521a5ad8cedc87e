package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/model"
)

const (
	darajaTimestampLayout  = "20060102150405"
	darajaTransactionType  = "CustomerPayBillOnline"
	darajaProcessingCode   = "500.001.1001"
	darajaResultSuccess    = "0"
	darajaTransactionDesc  = "Order payment"
	darajaAccountRefMaxLen = 12
)

var nairobi = time.FixedZone("EAT", 3*60*60)

// DarajaGateway talks to Safaricom's M-Pesa Express api. A fresh OAuth token
// is requested for every call.
type DarajaGateway struct {
	client         *http.Client
	logger         *zap.SugaredLogger
	url            string
	consumerKey    string
	consumerSecret string
	shortCode      string
	passkey        string
	callbackURL    string
	now            func() time.Time
}

func NewDarajaGateway(client *http.Client, cfg *Config, logger *zap.SugaredLogger) *DarajaGateway {
	return &DarajaGateway{
		client:         client,
		logger:         logger,
		url:            cfg.GatewayURL,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortCode:      cfg.ShortCode,
		passkey:        cfg.Passkey,
		callbackURL:    cfg.CallbackEndpoint(),
		now:            time.Now,
	}
}

func (g *DarajaGateway) Name() string {
	return ProviderDaraja
}

func (g *DarajaGateway) Initiate(ctx context.Context, r model.InitiateRequest) (model.Acknowledgment, error) {
	h, err := g.authHeader(ctx)
	if err != nil {
		return model.Acknowledgment{}, &GatewayError{Provider: g.Name(), Op: OpInitiate, Err: err}
	}

	ts := g.timestamp()
	ref := r.ExternalReference
	if len(ref) > darajaAccountRefMaxLen {
		ref = ref[:darajaAccountRefMaxLen]
	}
	req := darajaPushRequest{
		BusinessShortCode: g.shortCode,
		Password:          g.password(ts),
		Timestamp:         ts,
		TransactionType:   darajaTransactionType,
		Amount:            strconv.FormatInt(r.Amount.Round(0).IntPart(), 10),
		PartyA:            r.PhoneNumber,
		PartyB:            g.shortCode,
		PhoneNumber:       r.PhoneNumber,
		CallBackURL:       g.callbackURL,
		AccountReference:  ref,
		TransactionDesc:   darajaTransactionDesc,
	}

	var res darajaPushResponse
	status, err := doJSON(ctx, g.client, http.MethodPost, g.url+"/mpesa/stkpush/v1/processrequest", h, req, &res)
	if err != nil {
		return model.Acknowledgment{}, &GatewayError{Provider: g.Name(), Op: OpInitiate, StatusCode: status, Err: err}
	}
	if res.ResponseCode != darajaResultSuccess {
		return model.Acknowledgment{}, &GatewayError{Provider: g.Name(), Op: OpInitiate, StatusCode: status, Err: errRejected(res.ResponseDescription)}
	}

	g.logger.Infow("stk push accepted", "merchantRequestId", res.MerchantRequestID, "checkoutRequestId", res.CheckoutRequestID)

	return model.Acknowledgment{
		Provider:          g.Name(),
		Success:           true,
		Status:            res.ResponseDescription,
		Reference:         res.MerchantRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		ExternalReference: r.ExternalReference,
		Message:           res.CustomerMessage,
	}, nil
}

func (g *DarajaGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (model.GatewayStatus, error) {
	h, err := g.authHeader(ctx)
	if err != nil {
		return model.GatewayStatus{}, &GatewayError{Provider: g.Name(), Op: OpQuery, Err: err}
	}

	ts := g.timestamp()
	req := darajaQueryRequest{
		BusinessShortCode: g.shortCode,
		Password:          g.password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var res darajaQueryResponse
	status, err := doJSON(ctx, g.client, http.MethodPost, g.url+"/mpesa/stkpushquery/v1/query", h, req, &res)
	if err != nil {
		if stillProcessing(err) {
			return model.GatewayStatus{
				Provider:          g.Name(),
				State:             model.PaymentStatePending,
				CheckoutRequestID: checkoutRequestID,
				Message:           "The transaction is being processed",
			}, nil
		}
		return model.GatewayStatus{}, &GatewayError{Provider: g.Name(), Op: OpQuery, StatusCode: status, Err: err}
	}

	state := model.PaymentStateFailed
	if res.ResultCode == darajaResultSuccess {
		state = model.PaymentStateSuccess
	}
	return model.GatewayStatus{
		Provider:          g.Name(),
		State:             state,
		Reference:         res.CheckoutRequestID,
		CheckoutRequestID: res.CheckoutRequestID,
		Message:           res.ResultDesc,
	}, nil
}

// ParseCallback decodes the stkCallback envelope. It carries no external
// reference, so orders are matched by CheckoutRequestID.
func (g *DarajaGateway) ParseCallback(body []byte) (model.CallbackResult, error) {
	var cb darajaCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return model.CallbackResult{}, ErrMalformedCallback
	}

	s := cb.Body.StkCallback
	if s == nil || s.ResultCode == nil || s.CheckoutRequestID == "" {
		return model.CallbackResult{}, ErrMalformedCallback
	}

	res := model.CallbackResult{
		Success:           *s.ResultCode == 0,
		Reference:         s.CheckoutRequestID,
		CheckoutRequestID: s.CheckoutRequestID,
		Message:           s.ResultDesc,
	}
	for _, item := range s.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if err := res.Amount.UnmarshalJSON(item.Value); err != nil {
				return model.CallbackResult{}, ErrMalformedCallback
			}
		case "MpesaReceiptNumber":
			if err := json.Unmarshal(item.Value, &res.ProviderReference); err != nil {
				return model.CallbackResult{}, ErrMalformedCallback
			}
		}
	}
	return res, nil
}

func (g *DarajaGateway) authHeader(ctx context.Context) (http.Header, error) {
	basic := http.Header{}
	basic.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(g.consumerKey+":"+g.consumerSecret)))

	var res darajaTokenResponse
	if _, err := doJSON(ctx, g.client, http.MethodGet, g.url+"/oauth/v1/generate?grant_type=client_credentials", basic, nil, &res); err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("token: empty access token")
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+res.AccessToken)
	return h, nil
}

func (g *DarajaGateway) timestamp() string {
	return g.now().In(nairobi).Format(darajaTimestampLayout)
}

func (g *DarajaGateway) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(g.shortCode + g.passkey + ts))
}

func stillProcessing(err error) bool {
	var he *httpError
	if !errors.As(err, &he) {
		return false
	}
	var body darajaErrorResponse
	if json.Unmarshal(he.body, &body) != nil {
		return false
	}
	return body.ErrorCode == darajaProcessingCode || strings.Contains(strings.ToLower(body.ErrorMessage), "being processed")
}

type darajaTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type darajaPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type darajaPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type darajaQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type darajaQueryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
}

type darajaErrorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type darajaCallback struct {
	Body struct {
		StkCallback *struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}
