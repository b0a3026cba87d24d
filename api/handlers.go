package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/broker"
	"github.com/rustyeddy/guardrail/risk"
)

type orderRequest struct {
	Asset    string  `json:"asset" validate:"required"`
	Notional float64 `json:"notional" validate:"gte=0"`
	Side     string  `json:"side"`
	Live     bool    `json:"live"`
	// Price is only used when submitting to the broker.
	Price float64 `json:"price" validate:"gte=0"`
}

func (r orderRequest) order() (risk.Order, error) {
	o := risk.Order{Asset: r.Asset, Notional: r.Notional, Live: r.Live}
	if r.Side != "" {
		side, err := risk.ParseOrderSide(r.Side)
		if err != nil {
			return risk.Order{}, err
		}
		o.Side = side
	}
	return o, nil
}

type fillRequest struct {
	Symbol   string    `json:"symbol" validate:"required"`
	Side     string    `json:"side" validate:"required"`
	Quantity float64   `json:"quantity" validate:"gt=0"`
	Price    float64   `json:"price" validate:"gt=0"`
	Time     time.Time `json:"time"`
}

func (r fillRequest) fill() (risk.Fill, error) {
	side, err := risk.ParseOrderSide(r.Side)
	if err != nil {
		return risk.Fill{}, err
	}
	return risk.Fill{Symbol: r.Symbol, Side: side, Quantity: r.Quantity, Price: r.Price, Time: r.Time}, nil
}

type positionRequest struct {
	Symbol   string  `json:"symbol" validate:"required"`
	Side     string  `json:"side" validate:"required,oneof=LONG SHORT long short"`
	Quantity float64 `json:"quantity" validate:"required"`
	Price    float64 `json:"price" validate:"gte=0"`
}

type priceRequest struct {
	Symbol string  `json:"symbol" validate:"required"`
	Price  float64 `json:"price" validate:"gt=0"`
}

type lossRequest struct {
	Amount *float64 `json:"amount" validate:"required"`
}

type tripRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type dryRunRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// bind decodes and validates the JSON body, answering 400 on failure.
func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.badRequest(c, err)
		return false
	}
	if err := s.validator.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": strings.Join(msgs, "; ")})
			return false
		}
		s.badRequest(c, err)
		return false
	}
	return true
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) healthCheck(c *gin.Context) {
	st := s.engine.CircuitBreakerStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"tripped": st.Tripped,
		"dryRun":  st.DryRunMode,
	})
}

func (s *Server) getSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) evaluateOrder(c *gin.Context) {
	var req orderRequest
	if !s.bind(c, &req) {
		return
	}
	o, err := req.order()
	if err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.gate.Evaluate(o))
}

func (s *Server) admitOrder(c *gin.Context) {
	var req orderRequest
	if !s.bind(c, &req) {
		return
	}
	o, err := req.order()
	if err != nil {
		s.badRequest(c, err)
		return
	}
	d, t := s.gate.Admit(o)
	c.JSON(http.StatusOK, gin.H{"decision": d, "ticket": t})
}

func (s *Server) submitOrder(c *gin.Context) {
	var req orderRequest
	if !s.bind(c, &req) {
		return
	}
	o, err := req.order()
	if err != nil {
		s.badRequest(c, err)
		return
	}

	ex, err := s.gate.Submit(c.Request.Context(), o, req.Price)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"executed": true, "execution": ex})
	case errors.Is(err, broker.ErrBlocked):
		c.JSON(http.StatusOK, gin.H{"executed": false, "execution": ex})
	case errors.Is(err, broker.ErrRouteRejected):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		s.logger.Warn("order submission failed", zap.String("asset", o.Asset), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "decision": ex.Decision})
	}
}

func (s *Server) commitTicket(c *gin.Context) {
	var req fillRequest
	if !s.bind(c, &req) {
		return
	}
	f, err := req.fill()
	if err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.gate.Commit(c.Param("id"), f)
	if err != nil {
		s.ticketError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) releaseTicket(c *gin.Context) {
	if err := s.gate.Release(c.Param("id")); err != nil {
		s.ticketError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ticketError(c *gin.Context, err error) {
	if errors.Is(err, risk.ErrUnknownTicket) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.badRequest(c, err)
}

func (s *Server) applyFill(c *gin.Context) {
	var req fillRequest
	if !s.bind(c, &req) {
		return
	}
	f, err := req.fill()
	if err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.gate.ApplyFill(f))
}

func (s *Server) recordPositionChange(c *gin.Context) {
	var req positionRequest
	if !s.bind(c, &req) {
		return
	}
	pos, open := s.engine.RecordPositionChange(risk.PositionDelta{
		Symbol:   req.Symbol,
		Side:     risk.Side(strings.ToUpper(req.Side)),
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	resp := gin.H{"open": open}
	if open {
		resp["position"] = pos
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listPositions(c *gin.Context) {
	pos := s.engine.Positions()
	if pos == nil {
		pos = []risk.Position{}
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) markPrice(c *gin.Context) {
	var req priceRequest
	if !s.bind(c, &req) {
		return
	}
	if s.paper != nil {
		s.paper.SetPrice(req.Symbol, req.Price)
	}
	updated := s.engine.MarkPrice(req.Symbol, req.Price)
	if updated == nil {
		updated = []risk.Position{}
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) getSymbolExposure(c *gin.Context) {
	sym := c.Param("symbol")
	c.JSON(http.StatusOK, gin.H{
		"symbol":   sym,
		"exposure": s.engine.SymbolExposure(sym),
		"long":     s.engine.PositionSize(sym, risk.Buy),
		"short":    s.engine.PositionSize(sym, risk.Sell),
	})
}

func (s *Server) getTotalExposure(c *gin.Context) {
	snap := s.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"total":    snap.TotalExposure,
		"bySymbol": snap.Exposure,
	})
}

func (s *Server) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Policy())
}

func (s *Server) updatePolicy(c *gin.Context) {
	u, err := risk.DecodePolicyUpdate(c.Request.Body)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.engine.UpdatePolicy(u)
	if err != nil {
		if errors.Is(err, risk.ErrInvalidPolicyUpdate) {
			s.badRequest(c, err)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) recordLoss(c *gin.Context) {
	var req lossRequest
	if !s.bind(c, &req) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"dailyLoss": s.engine.RecordLoss(*req.Amount)})
}

func (s *Server) resetDaily(c *gin.Context) {
	s.engine.ResetDaily()
	snap := s.engine.Snapshot()
	c.JSON(http.StatusOK, gin.H{"dailyLoss": snap.DailyLoss, "dayStart": snap.DayStart})
}

func (s *Server) breakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.CircuitBreakerStatus())
}

func (s *Server) tripBreaker(c *gin.Context) {
	var req tripRequest
	if !s.bind(c, &req) {
		return
	}
	changed := s.engine.TripCircuitBreaker(req.Reason)
	c.JSON(http.StatusOK, gin.H{"changed": changed, "status": s.engine.CircuitBreakerStatus()})
}

func (s *Server) untripBreaker(c *gin.Context) {
	changed := s.engine.UntripCircuitBreaker()
	c.JSON(http.StatusOK, gin.H{"changed": changed, "status": s.engine.CircuitBreakerStatus()})
}

func (s *Server) setDryRun(c *gin.Context) {
	var req dryRunRequest
	if !s.bind(c, &req) {
		return
	}
	s.engine.SetDryRunMode(*req.Enabled)
	c.JSON(http.StatusOK, s.engine.CircuitBreakerStatus())
}
