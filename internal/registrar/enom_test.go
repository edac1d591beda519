package registrar

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hiddenstate/registrar-relay/internal/config"
)

const enomCheckAvailable = `<?xml version="1.0"?>
<interface-response>
  <Domains>
    <Domain>
      <RRPCode>210</RRPCode>
      <RRPText>Domain available</RRPText>
      <IsPremium>false</IsPremium>
      <IsPlatinum>false</IsPlatinum>
      <IsEAP>false</IsEAP>
      <Prices>
        <Registration>12.50</Registration>
        <Renewal>14.00</Renewal>
      </Prices>
    </Domain>
  </Domains>
</interface-response>`

const enomCheckPremium = `<?xml version="1.0"?>
<interface-response>
  <Domains>
    <Domain>
      <RRPCode>210</RRPCode>
      <RRPText>Domain available</RRPText>
      <IsPremium>true</IsPremium>
      <IsPlatinum>false</IsPlatinum>
      <IsEAP>false</IsEAP>
      <Prices>
        <Registration>450.00</Registration>
        <Renewal>450.00</Renewal>
      </Prices>
    </Domain>
  </Domains>
</interface-response>`

const enomPurchaseOK = `<?xml version="1.0"?>
<interface-response>
  <TotalCharged>12.50</TotalCharged>
  <OrderID>158752</OrderID>
  <DomainInfo>
    <RegistryCreateDate>2026-08-31 10:00:00.000</RegistryCreateDate>
    <RegistryExpDate>2027-08-31 10:00:00.000</RegistryExpDate>
  </DomainInfo>
  <RRPCode>200</RRPCode>
  <RRPText>Command completed successfully</RRPText>
  <TrackingKey>abc-123</TrackingKey>
</interface-response>`

func testEnom(t *testing.T, handler http.HandlerFunc) (*Enom, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e := NewEnom("country", config.RegistrarConfig{
		EnomUID:   "reseller",
		EnomToken: "secret",
		NS1:       "ns1.example.com",
		NS2:       "ns2.example.com",
	}, nil)
	e.baseURL = srv.URL
	return e, srv
}

func TestEnomCheckAvailable(t *testing.T) {
	var gotQuery map[string]string
	e, _ := testEnom(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"Command": q.Get("Command"),
			"SLD":     q.Get("SLD"),
			"TLD":     q.Get("TLD"),
			"UID":     q.Get("UID"),
			"version": q.Get("version"),
		}
		_, _ = w.Write([]byte(enomCheckAvailable))
	})

	res, err := e.Check(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, res.Available)
	require.False(t, res.Reserved)
	require.False(t, res.Registered)
	require.Equal(t, 12.5, res.RegPrice)
	require.Equal(t, map[string]string{
		"Command": "check", "SLD": "abc", "TLD": "country", "UID": "reseller", "version": "2",
	}, gotQuery)
}

func TestEnomCheckPremiumIsReserved(t *testing.T) {
	e, _ := testEnom(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(enomCheckPremium))
	})

	res, err := e.Check(context.Background(), "vip")
	require.NoError(t, err)
	require.False(t, res.Available)
	require.True(t, res.Reserved)
	require.False(t, res.Registered)
}

func TestEnomPurchase(t *testing.T) {
	e, _ := testEnom(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "purchase", r.URL.Query().Get("Command"))
		require.Equal(t, "ns1.example.com", r.URL.Query().Get("NS1"))
		_, _ = w.Write([]byte(enomPurchaseOK))
	})

	res, err := e.Purchase(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 12.5, res.PricePaid)
	require.Equal(t, "158752", res.OrderID)
	require.Equal(t, "2027-08-31 10:00:00.000", res.ExpiryDate)
	require.Equal(t, "abc-123", res.TraceID)
}

func TestNamecheapCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("Command") {
		case "namecheap.domains.check":
			_, _ = w.Write([]byte(`<?xml version="1.0"?>
<ApiResponse Status="OK">
  <Errors/>
  <CommandResponse>
    <DomainCheckResult Domain="abc.country" Available="true" IsPremiumName="false"/>
  </CommandResponse>
</ApiResponse>`))
		case "namecheap.users.getPricing":
			_, _ = w.Write([]byte(`<?xml version="1.0"?>
<ApiResponse Status="OK">
  <Errors/>
  <CommandResponse>
    <UserGetPricingResult>
      <ProductType><ProductCategory><Product>
        <Price Duration="1" Price="11.00" AdditionalCost="0.18" RegularPrice="12.00"/>
      </Product></ProductCategory></ProductType>
    </UserGetPricingResult>
  </CommandResponse>
</ApiResponse>`))
		}
	}))
	t.Cleanup(srv.Close)

	n := NewNamecheap("country", config.RegistrarConfig{
		NamecheapAPIUser: "api", NamecheapUsername: "user", NamecheapAPIKey: "key",
	}, nil)
	n.baseURL = srv.URL

	res, err := n.Check(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, res.Available)
	require.InDelta(t, 11.18, res.RegPrice, 1e-9)
}

func TestNamecheapPurchase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "namecheap.domains.create", q.Get("Command"))
		require.Equal(t, "abc.country", q.Get("DomainName"))
		require.NotEmpty(t, q.Get("AdminEmailAddress"))
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<ApiResponse Status="OK">
  <Errors/>
  <CommandResponse>
    <DomainCreateResult Domain="abc.country" Registered="true" ChargedAmount="11.18"
      OrderID="99" TransactionID="777"/>
  </CommandResponse>
</ApiResponse>`))
	}))
	t.Cleanup(srv.Close)

	n := NewNamecheap("country", config.RegistrarConfig{
		Registrant: config.RegistrantConfig{EmailAddress: "ops@example.com"},
	}, nil)
	n.baseURL = srv.URL

	res, err := n.Purchase(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.InDelta(t, 11.18, res.PricePaid, 1e-9)
	require.Equal(t, "99", res.OrderID)
	require.Equal(t, "777", res.TraceID)
}

func TestNewSelectsProvider(t *testing.T) {
	c, err := New("country", config.RegistrarConfig{Provider: "enom"}, nil)
	require.NoError(t, err)
	require.IsType(t, &Enom{}, c)

	c, err = New("country", config.RegistrarConfig{Provider: "namecheap"}, nil)
	require.NoError(t, err)
	require.IsType(t, &Namecheap{}, c)

	_, err = New("country", config.RegistrarConfig{Provider: "godaddy"}, nil)
	require.Error(t, err)
}
