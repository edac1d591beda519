package registrar

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/config"
)

// Enom reseller API endpoints.
const (
	enomLiveURL = "https://reseller.enom.com"
	enomTestURL = "https://resellertest.enom.com"
)

// Enom talks to the Enom reseller query API (interface.asp).
type Enom struct {
	baseURL string
	uid     string
	token   string
	tld     string
	ns1     string
	ns2     string
	reg     config.RegistrantConfig
	client  *http.Client
	logger  *zap.Logger
}

// NewEnom creates an Enom client from registrar config. live=false targets
// the reseller test environment.
func NewEnom(tld string, cfg config.RegistrarConfig, logger *zap.Logger) *Enom {
	base := enomTestURL
	if cfg.Live {
		base = enomLiveURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enom{
		baseURL: base,
		uid:     cfg.EnomUID,
		token:   cfg.EnomToken,
		tld:     tld,
		ns1:     cfg.NS1,
		ns2:     cfg.NS2,
		reg:     cfg.Registrant,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type enomCheck struct {
	XMLName xml.Name `xml:"interface-response"`
	Domain  struct {
		RRPCode    int    `xml:"RRPCode"`
		RRPText    string `xml:"RRPText"`
		IsPremium  string `xml:"IsPremium"`
		IsPlatinum string `xml:"IsPlatinum"`
		IsEAP      string `xml:"IsEAP"`
		Prices     struct {
			Registration float64 `xml:"Registration"`
			Renewal      float64 `xml:"Renewal"`
		} `xml:"Prices"`
	} `xml:"Domains>Domain"`
}

// Check queries availability. RRP code 210 means available; premium,
// platinum, and EAP names are treated as reserved, as are names priced above
// the cap.
func (e *Enom) Check(ctx context.Context, sld string) (*CheckResult, error) {
	var parsed enomCheck
	err := e.call(ctx, url.Values{
		"Command":           {"check"},
		"SLD":               {sld},
		"includeprice":      {"1"},
		"includeproperties": {"1"},
		"includeeap":        {"1"},
	}, &parsed)
	if err != nil {
		return nil, err
	}

	d := parsed.Domain
	registered := d.RRPCode != 210
	reserved := !isFalse(d.IsPremium) || !isFalse(d.IsPlatinum) || !isFalse(d.IsEAP)
	res := &CheckResult{
		Available:  !registered && !reserved && d.Prices.Registration < maxRegPrice,
		Reserved:   reserved,
		Registered: registered,
		RegPrice:   d.Prices.Registration,
		RenewPrice: d.Prices.Renewal,
		Text:       d.RRPText,
	}
	e.logger.Info("enom check",
		zap.String("sld", sld),
		zap.Bool("available", res.Available),
		zap.Bool("reserved", res.Reserved),
		zap.Float64("regPrice", res.RegPrice))
	return res, nil
}

type enomPurchase struct {
	XMLName      xml.Name `xml:"interface-response"`
	TotalCharged float64  `xml:"TotalCharged"`
	OrderID      string   `xml:"OrderID"`
	DomainInfo   struct {
		RegistryCreateDate string `xml:"RegistryCreateDate"`
		RegistryExpDate    string `xml:"RegistryExpDate"`
	} `xml:"DomainInfo"`
	RRPCode     int    `xml:"RRPCode"`
	RRPText     string `xml:"RRPText"`
	TrackingKey string `xml:"TrackingKey"`
}

// Purchase registers the domain. RRP code 200 signals success.
func (e *Enom) Purchase(ctx context.Context, sld string) (*PurchaseResult, error) {
	r := e.reg
	var parsed enomPurchase
	err := e.call(ctx, url.Values{
		"Command":                 {"purchase"},
		"SLD":                     {sld},
		"NS1":                     {e.ns1},
		"NS2":                     {e.ns2},
		"RegistrantFirstName":     {r.FirstName},
		"RegistrantLastName":      {r.LastName},
		"RegistrantAddress1":      {r.Address1},
		"RegistrantCity":          {r.City},
		"RegistrantStateProvince": {r.StateProvince},
		"RegistrantPostalCode":    {r.PostalCode},
		"RegistrantCountry":       {r.Country},
		"RegistrantEmailAddress":  {r.EmailAddress},
		"RegistrantPhone":         {r.Phone},
		"RegistrantFax":           {r.Fax},
	}, &parsed)
	if err != nil {
		return nil, err
	}

	res := &PurchaseResult{
		Success:      parsed.RRPCode == 200,
		PricePaid:    parsed.TotalCharged,
		OrderID:      parsed.OrderID,
		CreateDate:   parsed.DomainInfo.RegistryCreateDate,
		ExpiryDate:   parsed.DomainInfo.RegistryExpDate,
		ResponseCode: parsed.RRPCode,
		Text:         parsed.RRPText,
		TraceID:      parsed.TrackingKey,
	}
	e.logger.Info("enom purchase",
		zap.String("sld", sld),
		zap.Bool("success", res.Success),
		zap.Float64("pricePaid", res.PricePaid))
	return res, nil
}

type enomExtend struct {
	XMLName xml.Name `xml:"interface-response"`
	Extension string `xml:"Extension"`
	OrderID   string `xml:"OrderID"`
	RRPCode   int    `xml:"RRPCode"`
	RRPText   string `xml:"RRPText"`
	TotalCharged float64 `xml:"TotalCharged"`
}

// Renew extends the registration via the Extend command.
func (e *Enom) Renew(ctx context.Context, sld string, years int) (*RenewResult, error) {
	var parsed enomExtend
	err := e.call(ctx, url.Values{
		"Command":  {"extend"},
		"SLD":      {sld},
		"NumYears": {strconv.Itoa(years)},
	}, &parsed)
	if err != nil {
		return nil, err
	}
	res := &RenewResult{
		Success:   parsed.RRPCode == 200,
		PricePaid: parsed.TotalCharged,
		OrderID:   parsed.OrderID,
		Text:      parsed.RRPText,
	}
	e.logger.Info("enom renew", zap.String("sld", sld), zap.Bool("success", res.Success))
	return res, nil
}

func (e *Enom) call(ctx context.Context, params url.Values, out interface{}) error {
	params.Set("UID", e.uid)
	params.Set("PW", e.token)
	params.Set("TLD", e.tld)
	params.Set("responseType", "xml")
	params.Set("version", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+"/interface.asp?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("registrar: enom request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("registrar: enom call: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("registrar: enom response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registrar: enom returned %d", resp.StatusCode)
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("registrar: enom decode: %w", err)
	}
	return nil
}

func isFalse(s string) bool { return strings.EqualFold(s, "false") }
