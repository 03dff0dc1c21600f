package publisher

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	orderbookv1 "github.com/quantfabric/exchange-core/internal/domain/orderbook/v1"
	"github.com/quantfabric/exchange-core/internal/usecase/orderbook"
	"github.com/quantfabric/exchange-core/internal/usecase/stage"
	"github.com/quantfabric/exchange-core/pkg/logger"
	"github.com/quantfabric/exchange-core/pkg/util"
)

// Server is the outward surface of the pipeline: order entry and balance
// queries over HTTP, change-log streaming over websocket.
type Server struct {
	acquiring  *stage.Acquiring
	match      *stage.Match
	settlement *stage.Settlement
	hub        *Hub
	upgrader   websocket.Upgrader
	log        logger.Interface
}

type orderRequest struct {
	Instrument  string `json:"instrument"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"timeInForce"`
	Price       string `json:"price"`
	Quantity    string `json:"quantity"`
	Owner       string `json:"owner"`
	ExpireAt    int64  `json:"expireAt,omitempty"`
}

type orderResponse struct {
	OrderID uint64 `json:"orderID"`
	Status  string `json:"status"`
}

type cancelRequest struct {
	OrderID uint64 `json:"orderID"`
	Owner   string `json:"owner"`
}

type depositRequest struct {
	Owner  string `json:"owner"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type depthResponse struct {
	Instrument string                 `json:"instrument"`
	Bids       []orderbook.PriceLevel `json:"bids"`
	Asks       []orderbook.PriceLevel `json:"asks"`
}

type balanceResponse struct {
	Owner     string `json:"owner"`
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer wires the gateway to the pipeline's stages.
func NewServer(acquiring *stage.Acquiring, match *stage.Match, settlement *stage.Settlement, hub *Hub, log logger.Interface) *Server {
	return &Server{
		acquiring:  acquiring,
		match:      match,
		settlement: settlement,
		hub:        hub,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:        log,
	}
}

// Routes returns the gateway's handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/orders", s.withRequestID(http.HandlerFunc(s.handleSubmit)))
	mux.Handle("/orders/cancel", s.withRequestID(http.HandlerFunc(s.handleCancel)))
	mux.Handle("/deposits", s.withRequestID(http.HandlerFunc(s.handleDeposit)))
	mux.Handle("/book", s.withRequestID(http.HandlerFunc(s.handleDepth)))
	mux.Handle("/balances", s.withRequestID(http.HandlerFunc(s.handleBalance)))
	mux.Handle("/ws", http.HandlerFunc(s.handleStream))
	return mux
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := util.WithRequestID(r.Context(), r.Header.Get("X-Request-Id"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}

	submit, err := buildSubmit(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx := util.WithOwnerID(r.Context(), req.Owner)
	orderID, err := s.acquiring.SubmitOrder(ctx, submit)
	if err != nil {
		s.log.WarnContext(ctx, "order rejected",
			logger.Field{Key: "instrument", Value: req.Instrument},
			logger.Field{Key: "error", Value: err.Error()},
		)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, orderResponse{OrderID: orderID, Status: "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}
	if err := s.acquiring.CancelOrder(r.Context(), req.OrderID, req.Owner); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, orderResponse{OrderID: req.OrderID, Status: "cancel_requested"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" || req.Asset == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid amount"})
		return
	}
	if err := s.acquiring.Deposit(r.Context(), req.Owner, req.Asset, amount); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	acc := s.settlement.Ledger().Balance(req.Owner, req.Asset)
	writeJSON(w, http.StatusOK, balanceResponse{
		Owner:     req.Owner,
		Asset:     req.Asset,
		Available: acc.Available.String(),
		Frozen:    acc.Frozen.String(),
	})
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	instrument := r.URL.Query().Get("instrument")
	book, ok := s.match.Book(instrument)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown instrument"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	bids, asks := book.Depth(limit)
	writeJSON(w, http.StatusOK, depthResponse{Instrument: instrument, Bids: bids, Asks: asks})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	owner := r.URL.Query().Get("owner")
	asset := r.URL.Query().Get("asset")
	acc := s.settlement.Ledger().Balance(owner, asset)
	writeJSON(w, http.StatusOK, balanceResponse{
		Owner:     owner,
		Asset:     asset,
		Available: acc.Available.String(),
		Frozen:    acc.Frozen.String(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = splitTopics(raw)
	}
	sub := s.hub.Subscribe(64, topics...)
	defer s.hub.Unsubscribe(sub)

	for event := range sub.C() {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

func buildSubmit(req orderRequest) (stage.SubmitRequest, error) {
	submit := stage.SubmitRequest{
		Instrument:  req.Instrument,
		Side:        orderbookv1.Side(req.Side),
		Type:        orderbookv1.OrderType(req.Type),
		TimeInForce: orderbookv1.TimeInForce(req.TimeInForce),
		Owner:       req.Owner,
		ExpireAt:    req.ExpireAt,
	}
	if submit.Side != orderbookv1.SideBuy && submit.Side != orderbookv1.SideSell {
		return submit, orderbookv1.ErrNilOrder
	}
	if req.Price != "" {
		price, err := decimal.NewFromString(req.Price)
		if err != nil {
			return submit, orderbookv1.ErrInvalidPrice
		}
		submit.Price = price
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return submit, orderbookv1.ErrInvalidQuantity
	}
	submit.Quantity = quantity
	return submit, nil
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
