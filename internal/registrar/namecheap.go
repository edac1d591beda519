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
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/config"
)

// Namecheap API endpoints.
const (
	namecheapLiveURL = "https://api.namecheap.com"
	namecheapTestURL = "https://api.sandbox.namecheap.com"
)

// TLD pricing barely moves; answers are cached briefly to keep the check
// endpoint from hammering the pricing API.
const priceCacheTTL = 10 * time.Minute

// Namecheap talks to the Namecheap API (xml.response).
type Namecheap struct {
	baseURL  string
	apiUser  string
	apiKey   string
	username string
	clientIP string
	tld      string
	ns1      string
	ns2      string
	reg      config.RegistrantConfig
	client   *http.Client
	logger   *zap.Logger

	priceMu    sync.Mutex
	priceCache map[string]cachedPrice
}

type cachedPrice struct {
	price float64
	at    time.Time
}

// NewNamecheap creates a Namecheap client from registrar config. live=false
// targets the sandbox.
func NewNamecheap(tld string, cfg config.RegistrarConfig, logger *zap.Logger) *Namecheap {
	base := namecheapTestURL
	if cfg.Live {
		base = namecheapLiveURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Namecheap{
		baseURL:    base,
		apiUser:    cfg.NamecheapAPIUser,
		apiKey:     cfg.NamecheapAPIKey,
		username:   cfg.NamecheapUsername,
		clientIP:   cfg.NamecheapDefaultIP,
		tld:        tld,
		ns1:        cfg.NS1,
		ns2:        cfg.NS2,
		reg:        cfg.Registrant,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		priceCache: map[string]cachedPrice{},
	}
}

// ncResponse is the envelope shared by every Namecheap command. Attribute
// names match the API's attribute-heavy XML.
type ncResponse struct {
	XMLName xml.Name `xml:"ApiResponse"`
	Errors  struct {
		Error struct {
			Number string `xml:"Number,attr"`
			Text   string `xml:",chardata"`
		} `xml:"Error"`
	} `xml:"Errors"`
	CommandResponse struct {
		CheckResult *struct {
			Available     string `xml:"Available,attr"`
			Description   string `xml:"Description,attr"`
			IsPremiumName string `xml:"IsPremiumName,attr"`
		} `xml:"DomainCheckResult"`
		CreateResult *struct {
			Registered    string  `xml:"Registered,attr"`
			OrderID       string  `xml:"OrderID,attr"`
			ChargedAmount float64 `xml:"ChargedAmount,attr"`
			TransactionID string  `xml:"TransactionID,attr"`
		} `xml:"DomainCreateResult"`
		RenewResult *struct {
			Renew         string  `xml:"Renew,attr"`
			OrderID       string  `xml:"OrderID,attr"`
			ChargedAmount float64 `xml:"ChargedAmount,attr"`
		} `xml:"DomainRenewResult"`
		Pricing *struct {
			Prices []struct {
				Price          float64 `xml:"Price,attr"`
				AdditionalCost float64 `xml:"AdditionalCost,attr"`
			} `xml:"ProductType>ProductCategory>Product>Price"`
		} `xml:"UserGetPricingResult"`
	} `xml:"CommandResponse"`
}

// Check queries availability and folds in the registration/renewal pricing.
func (n *Namecheap) Check(ctx context.Context, sld string) (*CheckResult, error) {
	var parsed ncResponse
	err := n.call(ctx, url.Values{
		"Command":    {"namecheap.domains.check"},
		"DomainList": {sld + "." + n.tld},
	}, &parsed)
	if err != nil {
		return nil, err
	}

	apiErr := parsed.Errors.Error.Text
	result := parsed.CommandResponse.CheckResult
	res := &CheckResult{Text: apiErr}
	if result != nil {
		res.Registered = !strings.EqualFold(result.Available, "true")
		res.Reserved = strings.EqualFold(result.IsPremiumName, "true")
		if result.Description != "" {
			res.Text = result.Description
		}
	} else {
		res.Registered = true
	}
	res.Available = apiErr == "" && !res.Registered && !res.Reserved

	if res.RegPrice, err = n.price(ctx, "REGISTER"); err != nil {
		return nil, err
	}
	if res.RenewPrice, err = n.price(ctx, "RENEW"); err != nil {
		return nil, err
	}
	if res.RegPrice >= maxRegPrice {
		res.Available = false
	}
	n.logger.Info("namecheap check",
		zap.String("sld", sld),
		zap.Bool("available", res.Available),
		zap.Float64("regPrice", res.RegPrice))
	return res, nil
}

// Purchase registers the domain for one year with whois privacy, copying the
// registrant into the admin, tech, and billing contacts as the API requires.
func (n *Namecheap) Purchase(ctx context.Context, sld string) (*PurchaseResult, error) {
	params := url.Values{
		"Command":           {"namecheap.domains.create"},
		"DomainName":        {sld + "." + n.tld},
		"Years":             {"1"},
		"AddFreeWhoisguard": {"yes"},
		"WGEnabled":         {"yes"},
		"Nameservers":       {n.ns1 + "," + n.ns2},
	}
	for _, role := range []string{"Registrant", "Admin", "Tech", "AuxBilling"} {
		n.addContact(params, role)
	}

	var parsed ncResponse
	if err := n.call(ctx, params, &parsed); err != nil {
		return nil, err
	}

	res := &PurchaseResult{
		ResponseCode: atoiSafe(parsed.Errors.Error.Number),
		Text:         parsed.Errors.Error.Text,
	}
	if cr := parsed.CommandResponse.CreateResult; cr != nil {
		res.Success = strings.EqualFold(cr.Registered, "true")
		res.PricePaid = cr.ChargedAmount
		res.OrderID = cr.OrderID
		res.TraceID = cr.TransactionID
	}
	n.logger.Info("namecheap purchase",
		zap.String("sld", sld),
		zap.Bool("success", res.Success),
		zap.Float64("pricePaid", res.PricePaid))
	return res, nil
}

// Renew extends the registration.
func (n *Namecheap) Renew(ctx context.Context, sld string, years int) (*RenewResult, error) {
	var parsed ncResponse
	err := n.call(ctx, url.Values{
		"Command":         {"namecheap.domains.renew"},
		"DomainName":      {sld + "." + n.tld},
		"IsPremiumDomain": {"false"},
		"Years":           {strconv.Itoa(years)},
	}, &parsed)
	if err != nil {
		return nil, err
	}

	res := &RenewResult{Text: parsed.Errors.Error.Text}
	if rr := parsed.CommandResponse.RenewResult; rr != nil {
		res.Success = strings.EqualFold(rr.Renew, "true")
		res.PricePaid = rr.ChargedAmount
		res.OrderID = rr.OrderID
	}
	n.logger.Info("namecheap renew", zap.String("sld", sld), zap.Bool("success", res.Success))
	return res, nil
}

// price returns the cached TLD price for an action (REGISTER, RENEW), base
// price plus additional cost.
func (n *Namecheap) price(ctx context.Context, action string) (float64, error) {
	n.priceMu.Lock()
	if c, ok := n.priceCache[action]; ok && time.Since(c.at) < priceCacheTTL {
		n.priceMu.Unlock()
		return c.price, nil
	}
	n.priceMu.Unlock()

	var parsed ncResponse
	err := n.call(ctx, url.Values{
		"Command":     {"namecheap.users.getPricing"},
		"ProductType": {"DOMAIN"},
		"ActionName":  {action},
		"ProductName": {n.tld},
	}, &parsed)
	if err != nil {
		return 0, err
	}
	var price float64
	if p := parsed.CommandResponse.Pricing; p != nil && len(p.Prices) > 0 {
		price = p.Prices[0].Price + p.Prices[0].AdditionalCost
	}

	n.priceMu.Lock()
	n.priceCache[action] = cachedPrice{price: price, at: time.Now()}
	n.priceMu.Unlock()
	return price, nil
}

func (n *Namecheap) addContact(params url.Values, role string) {
	r := n.reg
	params.Set(role+"FirstName", r.FirstName)
	params.Set(role+"LastName", r.LastName)
	params.Set(role+"Address1", r.Address1)
	params.Set(role+"City", r.City)
	params.Set(role+"StateProvince", r.StateProvince)
	params.Set(role+"PostalCode", r.PostalCode)
	params.Set(role+"Country", r.Country)
	params.Set(role+"EmailAddress", r.EmailAddress)
	params.Set(role+"Phone", r.Phone)
}

func (n *Namecheap) call(ctx context.Context, params url.Values, out *ncResponse) error {
	params.Set("ApiUser", n.apiUser)
	params.Set("UserName", n.username)
	params.Set("ApiKey", n.apiKey)
	if params.Get("ClientIp") == "" {
		params.Set("ClientIp", n.clientIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		n.baseURL+"/xml.response?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("registrar: namecheap request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("registrar: namecheap call: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("registrar: namecheap response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registrar: namecheap returned %d", resp.StatusCode)
	}
	if err := xml.Unmarshal(body, out); err != nil {
		return fmt.Errorf("registrar: namecheap decode: %w", err)
	}
	return nil
}

func atoiSafe(s string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v
}
