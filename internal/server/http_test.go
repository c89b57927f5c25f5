package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/pricing"
	"github.com/you/swapfeed/internal/quote"
	"github.com/you/swapfeed/internal/token"
	"github.com/you/swapfeed/internal/watchlist"
)

const testAddr = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"

type stubData struct {
	price    float64
	priceErr error
	iconDay  uint64
}

func (s *stubData) Price(ctx context.Context, k token.Key) (float64, error) {
	return s.price, s.priceErr
}

func (s *stubData) Analytics(ctx context.Context, k token.Key) (pricing.Analytics, error) {
	return pricing.Analytics{PriceUSD: s.price, MarketCap: 1e6}, nil
}

func (s *stubData) Icon(ctx context.Context, k token.Key, dayVersion uint64) (string, error) {
	s.iconDay = dayVersion
	return "https://img/logo.png", nil
}

type stubMeta struct{}

func (stubMeta) Read(ctx context.Context, k token.Key) (token.Info, error) {
	return token.Info{Address: k.Address, Symbol: "TEST", Decimals: 18}, nil
}

type stubRegistry struct{ snap []watchlist.Status }

func (s *stubRegistry) Snapshot() []watchlist.Status { return s.snap }

type stubEngine struct {
	res quote.Result
	err error
}

func (s *stubEngine) Best(ctx context.Context, req quote.Request) (quote.Result, error) {
	return s.res, s.err
}

func (s *stubEngine) BuildTransaction(res quote.Result) (quote.TxRequest, error) {
	if res.Payload.To == "" {
		return quote.TxRequest{}, errors.New("no payload")
	}
	return quote.TxRequest{To: res.Payload.To, Data: res.Payload.Data, Value: big.NewInt(0), GasLimit: 100}, nil
}

func newTestServer(data *stubData, engine *stubEngine) *httptest.Server {
	s := New(":0", "/ws",
		func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusSwitchingProtocols) },
		data, stubMeta{}, &stubRegistry{}, engine, zap.NewNop())
	return httptest.NewServer(s.Handler())
}

func TestPriceEndpoint(t *testing.T) {
	data := &stubData{price: 12.25}
	srv := newTestServer(data, &stubEngine{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/price?chainId=1&address=" + testAddr)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 12.25, body["price"])
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", body["address"], "address is checksummed")
}

func TestPriceEndpointBadInputs(t *testing.T) {
	srv := newTestServer(&stubData{}, &stubEngine{})
	defer srv.Close()

	for _, u := range []string{
		"/api/price?chainId=abc&address=" + testAddr,
		"/api/price?chainId=1&address=nothex",
		"/api/price?chainId=1",
	} {
		resp, err := http.Get(srv.URL + u)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, u)
	}
}

func TestPriceEndpointUpstreamFailure(t *testing.T) {
	srv := newTestServer(&stubData{priceErr: errors.New("rpc down")}, &stubEngine{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/price?chainId=1&address=" + testAddr)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestIconEndpointVersionsByDay(t *testing.T) {
	data := &stubData{}
	srv := newTestServer(data, &stubEngine{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/icon?chainId=1&address=" + testAddr)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Positive(t, data.iconDay)
}

func TestTokenEndpoint(t *testing.T) {
	srv := newTestServer(&stubData{}, &stubEngine{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/token?chainId=1&address=" + testAddr)
	require.NoError(t, err)
	defer resp.Body.Close()

	var ti token.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ti))
	assert.Equal(t, "TEST", ti.Symbol)
	assert.Equal(t, 18, ti.Decimals)
}

func TestQuoteEndpoint(t *testing.T) {
	engine := &stubEngine{res: quote.Result{
		Provider: "aggro",
		RawOut:   big.NewInt(1000),
		Out:      0.000001,
		Payload:  quote.TxPayload{To: "0xrouter", Data: []byte{1}},
	}}
	srv := newTestServer(&stubData{}, engine)
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"fromAddress": testAddr,
		"fromChainId": 1,
		"toAddress":   "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359",
		"toChainId":   1,
		"amount":      "1000000000000000000",
		"slippage":    0.5,
		"wallet":      "0xabc0000000000000000000000000000000000abc",
	})
	resp, err := http.Post(srv.URL+"/api/quote", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var qr quoteResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&qr))
	assert.Equal(t, quote.ProviderID("aggro"), qr.Quote.Provider)
	require.NotNil(t, qr.Tx)
	assert.Equal(t, "0xrouter", qr.Tx.To)
}

func TestQuoteEndpointNoRoute(t *testing.T) {
	srv := newTestServer(&stubData{}, &stubEngine{err: quote.ErrNoQuote})
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"fromAddress": testAddr,
		"fromChainId": 1,
		"toAddress":   "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359",
		"toChainId":   1,
		"amount":      "100",
	})
	resp, err := http.Post(srv.URL+"/api/quote", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestQuoteEndpointRejectsGet(t *testing.T) {
	srv := newTestServer(&stubData{}, &stubEngine{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/quote")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&stubData{}, &stubEngine{})
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/price", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
