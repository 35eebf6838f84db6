package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/fixgate/internal/fix"
	"github.com/Aidin1998/fixgate/internal/replication"
	"github.com/Aidin1998/fixgate/internal/session"
	"github.com/Aidin1998/fixgate/pkg/metrics"
)

// Order-entry message types the gateway validates before replication.
const (
	MsgTypeNewOrderSingle     = "D"
	MsgTypeOrderCancelRequest = "F"
	MsgTypeOrderCancelReplace = "G"
)

// OrdTypeLimit is the OrdType value that makes Price mandatory.
const OrdTypeLimit = "2"

// ErrInvalidOrder marks order-entry messages whose economic fields do not
// parse or violate basic constraints. Such frames are never replicated.
var ErrInvalidOrder = errors.New("engine: invalid order")

// Order is the subset of an order-entry message the gateway inspects before
// handing the frame to the cluster.
type Order struct {
	ClOrdID  string
	Symbol   string
	Side     string
	OrdType  string
	Price    decimal.Decimal
	OrderQty decimal.Decimal
	HasPrice bool
	HasQty   bool
}

// ParseOrder extracts and validates the economic fields of an order-entry
// frame. Prices and quantities are parsed as exact decimals; float rounding
// must never decide whether an order is accepted.
func ParseOrder(frame []byte) (Order, error) {
	var order Order
	rest := frame
	for len(rest) > 0 {
		soh := bytes.IndexByte(rest, fix.SOH)
		if soh < 0 {
			break
		}
		field := rest[:soh]
		rest = rest[soh+1:]
		eq := bytes.IndexByte(field, '=')
		if eq <= 0 {
			continue
		}
		tag, err := strconv.Atoi(string(field[:eq]))
		if err != nil {
			continue
		}
		value := field[eq+1:]
		switch tag {
		case fix.TagClOrdID:
			order.ClOrdID = string(value)
		case fix.TagSymbol:
			order.Symbol = string(value)
		case fix.TagSide:
			order.Side = string(value)
		case fix.TagOrdType:
			order.OrdType = string(value)
		case fix.TagPrice:
			price, err := decimal.NewFromString(string(value))
			if err != nil {
				return order, fmt.Errorf("%w: unparseable Price %q", ErrInvalidOrder, value)
			}
			order.Price = price
			order.HasPrice = true
		case fix.TagOrderQty:
			qty, err := decimal.NewFromString(string(value))
			if err != nil {
				return order, fmt.Errorf("%w: unparseable OrderQty %q", ErrInvalidOrder, value)
			}
			order.OrderQty = qty
			order.HasQty = true
		}
	}

	if order.ClOrdID == "" {
		return order, fmt.Errorf("%w: ClOrdID is required", ErrInvalidOrder)
	}
	if order.HasQty && order.OrderQty.Sign() <= 0 {
		return order, fmt.Errorf("%w: OrderQty must be positive, got %s", ErrInvalidOrder, order.OrderQty)
	}
	if order.HasPrice && order.Price.Sign() <= 0 {
		return order, fmt.Errorf("%w: Price must be positive, got %s", ErrInvalidOrder, order.Price)
	}
	if order.OrdType == OrdTypeLimit && !order.HasPrice {
		return order, fmt.Errorf("%w: limit order without Price", ErrInvalidOrder)
	}
	return order, nil
}

// FramePublisher replicates accepted business frames onto the cluster's
// data stream.
type FramePublisher interface {
	Offer(payload []byte) (int64, error)
}

// OrderHandler receives business messages that passed the session layer.
// Order-entry types are validated field by field; everything else is
// replicated as received. Frames reach the archive and the downstream
// consumers only through the publisher, so a message the handler drops
// never existed as far as the cluster is concerned.
type OrderHandler struct {
	publisher FramePublisher
	log       *zap.Logger
}

// NewOrderHandler wires the handler to the cluster's write side.
func NewOrderHandler(publisher FramePublisher, log *zap.Logger) *OrderHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderHandler{publisher: publisher, log: log}
}

// OnSessionMessage implements session.MessageHandler.
func (h *OrderHandler) OnSessionMessage(s *session.Session, msg *fix.Message, frame []byte) {
	switch msg.MsgType {
	case MsgTypeNewOrderSingle, MsgTypeOrderCancelRequest, MsgTypeOrderCancelReplace:
		order, err := ParseOrder(frame)
		if err != nil {
			metrics.MessagesRejected.WithLabelValues("invalid_order").Inc()
			h.log.Warn("rejecting order-entry message",
				zap.Int64("session_id", s.ID()),
				zap.Int("msg_seq_num", msg.MsgSeqNum),
				zap.Error(err))
			return
		}
		h.replicate(s, msg, frame, &order)
	default:
		h.replicate(s, msg, frame, nil)
	}
}

func (h *OrderHandler) replicate(s *session.Session, msg *fix.Message, frame []byte, order *Order) {
	position, err := h.publisher.Offer(frame)
	if errors.Is(err, replication.ErrNotLeader) {
		metrics.MessagesRejected.WithLabelValues("not_leader").Inc()
		h.log.Debug("dropping business message on non-leader",
			zap.Int64("session_id", s.ID()),
			zap.String("msg_type", msg.MsgType))
		return
	}
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("replication").Inc()
		h.log.Warn("failed to replicate business message",
			zap.Int64("session_id", s.ID()),
			zap.String("msg_type", msg.MsgType),
			zap.Error(err))
		return
	}
	if order != nil {
		h.log.Debug("order replicated",
			zap.Int64("session_id", s.ID()),
			zap.String("cl_ord_id", order.ClOrdID),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.String("price", order.Price.String()),
			zap.String("order_qty", order.OrderQty.String()),
			zap.Int64("position", position))
	}
}
