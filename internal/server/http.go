// Package server exposes the HTTP surface: the websocket endpoint plus the
// JSON read API for prices, analytics, icons, metadata and quotes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/you/swapfeed/internal/pricing"
	"github.com/you/swapfeed/internal/quote"
	"github.com/you/swapfeed/internal/token"
	"github.com/you/swapfeed/internal/watchlist"
)

type dataService interface {
	Price(ctx context.Context, k token.Key) (float64, error)
	Analytics(ctx context.Context, k token.Key) (pricing.Analytics, error)
	Icon(ctx context.Context, k token.Key, dayVersion uint64) (string, error)
}

type metadataReader interface {
	Read(ctx context.Context, k token.Key) (token.Info, error)
}

type watchlistView interface {
	Snapshot() []watchlist.Status
}

type quoteEngine interface {
	Best(ctx context.Context, req quote.Request) (quote.Result, error)
	BuildTransaction(res quote.Result) (quote.TxRequest, error)
}

type Server struct {
	log      *zap.Logger
	addr     string
	wsPath   string
	ws       http.HandlerFunc
	data     dataService
	meta     metadataReader
	registry watchlistView
	engine   quoteEngine

	now func() time.Time
}

func New(addr, wsPath string, ws http.HandlerFunc, data dataService, meta metadataReader, registry watchlistView, engine quoteEngine, log *zap.Logger) *Server {
	return &Server{
		log:      log,
		addr:     addr,
		wsPath:   wsPath,
		ws:       ws,
		data:     data,
		meta:     meta,
		registry: registry,
		engine:   engine,
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.wsPath, s.ws)
	mux.HandleFunc("/api/price", s.handlePrice)
	mux.HandleFunc("/api/analytics", s.handleAnalytics)
	mux.HandleFunc("/api/icon", s.handleIcon)
	mux.HandleFunc("/api/token", s.handleToken)
	mux.HandleFunc("/api/quote", s.handleQuote)
	mux.HandleFunc("/api/watchlist", s.handleWatchlist)
	return withCORS(mux)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("api listening", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// keyFromQuery parses ?address=&chainId= into a token key.
func keyFromQuery(r *http.Request) (token.Key, error) {
	chainID, err := strconv.ParseInt(r.URL.Query().Get("chainId"), 10, 64)
	if err != nil {
		return token.Key{}, errors.New("chainId must be an integer")
	}
	return token.NewKey(chainID, r.URL.Query().Get("address"))
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	k, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	px, err := s.data.Price(r.Context(), k)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"address": k.Address,
		"chainId": k.ChainID,
		"price":   px,
		"ts":      s.now().UnixMilli(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	k, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a, err := s.data.Analytics(r.Context(), k)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, a)
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	k, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The version bumps once per UTC day, so a late completion for
	// yesterday's lookup can never overwrite today's answer.
	day := uint64(s.now().UTC().Unix() / 86_400)
	u, err := s.data.Icon(r.Context(), k, day)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]string{"url": u})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	k, err := keyFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ti, err := s.meta.Read(r.Context(), k)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, ti)
}

type quoteReq struct {
	FromAddress string  `json:"fromAddress"`
	FromChainID int64   `json:"fromChainId"`
	ToAddress   string  `json:"toAddress"`
	ToChainID   int64   `json:"toChainId"`
	Amount      string  `json:"amount"` // smallest units, decimal string
	Slippage    float64 `json:"slippage"`
	Wallet      string  `json:"wallet"`
}

type quoteResp struct {
	Quote quote.Result     `json:"quote"`
	Tx    *quote.TxRequest `json:"tx,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST only"))
		return
	}
	var qr quoteReq
	if err := json.NewDecoder(r.Body).Decode(&qr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	from, err := token.NewKey(qr.FromChainID, qr.FromAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := token.NewKey(qr.ToChainID, qr.ToAddress)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, ok := new(big.Int).SetString(qr.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("amount must be a decimal integer string"))
		return
	}

	res, err := s.engine.Best(r.Context(), quote.Request{
		From:     from,
		To:       to,
		AmountIn: amount,
		Slippage: qr.Slippage,
		Wallet:   qr.Wallet,
	})
	if errors.Is(err, quote.ErrNoQuote) {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := quoteResp{Quote: res}
	if tx, err := s.engine.BuildTransaction(res); err == nil {
		resp.Tx = &tx
	}
	writeJSON(w, resp)
}

func (s *Server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.Snapshot())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
