package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

// Compile-time interface check.
var _ Broker = (*NorenBroker)(nil)

// Config holds credentials and endpoints for the Noren API.
type Config struct {
	UserID     string
	Password   string
	VendorCode string
	APISecret  string
	TOTP       string
	BaseURL    string
	StreamURL  string
	Exchange   string

	RateLimitPerMin int
}

// NorenBroker implements Broker against a Noren-style (Shoonya) REST API
// with a WebSocket tick stream.
type NorenBroker struct {
	cfg     Config
	client  *http.Client
	limiter *util.RateLimiter
	log     *slog.Logger

	sessionToken string
}

// NewNorenBroker creates a NorenBroker. Connect must be called before any
// other method.
func NewNorenBroker(cfg Config) *NorenBroker {
	if cfg.Exchange == "" {
		cfg.Exchange = "NFO"
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 120
	}
	return &NorenBroker{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: util.NewRateLimiter(cfg.RateLimitPerMin),
		log:     slog.Default().With("component", "broker"),
	}
}

// Name returns "noren".
func (b *NorenBroker) Name() string { return "noren" }

// Connect logs in and stores the session token. Retried with backoff by the
// caller on startup.
func (b *NorenBroker) Connect(ctx context.Context) error {
	pwdHash := sha256.Sum256([]byte(b.cfg.Password))
	appKey := sha256.Sum256([]byte(b.cfg.UserID + "|" + b.cfg.APISecret))

	resp, err := b.post(ctx, "/QuickAuth", map[string]string{
		"uid":     b.cfg.UserID,
		"pwd":     hex.EncodeToString(pwdHash[:]),
		"factor2": b.cfg.TOTP,
		"vc":      b.cfg.VendorCode,
		"appkey":  hex.EncodeToString(appKey[:]),
		"imei":    "algobot",
		"source":  "API",
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	token, _ := resp["susertoken"].(string)
	if token == "" {
		return fmt.Errorf("login: no session token in response (%v)", resp["emsg"])
	}
	b.sessionToken = token
	b.log.Info("broker session established", "user", b.cfg.UserID)
	return nil
}

// PlaceOrder submits an order.
func (b *NorenBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	side := "B"
	if req.Side == domain.SideSell {
		side = "S"
	}
	params := map[string]string{
		"uid":      b.cfg.UserID,
		"actid":    b.cfg.UserID,
		"exch":     b.cfg.Exchange,
		"tsym":     req.Symbol,
		"qty":      strconv.Itoa(req.Qty),
		"prc":      formatPrice(req.Price),
		"prd":      "M",
		"trantype": side,
		"prctyp":   string(req.PriceKind),
		"ret":      "DAY",
	}
	if req.TriggerPrice > 0 {
		params["trgprc"] = formatPrice(req.TriggerPrice)
	}

	resp, err := b.post(ctx, "/PlaceOrder", params)
	if err != nil {
		return nil, fmt.Errorf("placing order for %s: %w", req.Symbol, err)
	}
	if stat, _ := resp["stat"].(string); stat != "Ok" {
		return &OrderResult{Status: domain.OrderStatusRejected},
			fmt.Errorf("order rejected: %v", resp["emsg"])
	}
	id, _ := resp["norenordno"].(string)
	return &OrderResult{Status: domain.OrderStatusSentToBroker, BrokerOrderID: id}, nil
}

// CancelOrder requests cancellation of an order.
func (b *NorenBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	resp, err := b.post(ctx, "/CancelOrder", map[string]string{
		"uid":        b.cfg.UserID,
		"norenordno": brokerOrderID,
	})
	if err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	if stat, _ := resp["stat"].(string); stat != "Ok" {
		return fmt.Errorf("cancel rejected: %v", resp["emsg"])
	}
	return nil
}

// OrderStatus queries the current status of an order.
func (b *NorenBroker) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error) {
	resp, err := b.post(ctx, "/SingleOrdStatus", map[string]string{
		"uid":        b.cfg.UserID,
		"norenordno": brokerOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("querying order %s: %w", brokerOrderID, err)
	}

	result := &OrderResult{BrokerOrderID: brokerOrderID}
	switch status, _ := resp["status"].(string); status {
	case "COMPLETE":
		result.Status = domain.OrderStatusComplete
	case "CANCELED", "CANCELLED":
		result.Status = domain.OrderStatusCancelled
	case "REJECTED":
		result.Status = domain.OrderStatusRejected
	default:
		result.Status = domain.OrderStatusSentToBroker
	}
	result.AvgFillPrice = parseFloat(resp["avgprc"])
	result.FilledQty = int(parseFloat(resp["fillshares"]))
	return result, nil
}

// Quote returns the last traded price for a symbol.
func (b *NorenBroker) Quote(ctx context.Context, symbol string) (float64, error) {
	resp, err := b.post(ctx, "/GetQuotes", map[string]string{
		"uid":   b.cfg.UserID,
		"exch":  b.cfg.Exchange,
		"token": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("quoting %s: %w", symbol, err)
	}
	lp := parseFloat(resp["lp"])
	if lp <= 0 {
		return 0, fmt.Errorf("quoting %s: no last price in response", symbol)
	}
	return lp, nil
}

// OpenPositions returns the broker's view of open positions.
func (b *NorenBroker) OpenPositions(ctx context.Context) ([]NetPosition, error) {
	raw, err := b.postList(ctx, "/PositionBook", map[string]string{
		"uid":   b.cfg.UserID,
		"actid": b.cfg.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var positions []NetPosition
	for _, row := range raw {
		qty := int(parseFloat(row["netqty"]))
		if qty == 0 {
			continue
		}
		pos := NetPosition{
			Symbol:   str(row["tsym"]),
			Qty:      qty,
			AvgPrice: parseFloat(row["netavgprc"]),
			Side:     domain.SideBuy,
		}
		if qty < 0 {
			pos.Qty = -qty
			pos.Side = domain.SideSell
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// OrderBook returns the broker's view of today's orders.
func (b *NorenBroker) OrderBook(ctx context.Context) ([]BookOrder, error) {
	raw, err := b.postList(ctx, "/OrderBook", map[string]string{
		"uid": b.cfg.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("fetching order book: %w", err)
	}

	var orders []BookOrder
	for _, row := range raw {
		o := BookOrder{
			BrokerOrderID: str(row["norenordno"]),
			Symbol:        str(row["tsym"]),
			Qty:           int(parseFloat(row["qty"])),
			FilledQty:     int(parseFloat(row["fillshares"])),
			AvgFillPrice:  parseFloat(row["avgprc"]),
			Side:          domain.SideBuy,
		}
		if str(row["trantype"]) == "S" {
			o.Side = domain.SideSell
		}
		switch str(row["status"]) {
		case "COMPLETE":
			o.Status = domain.OrderStatusComplete
		case "CANCELED", "CANCELLED":
			o.Status = domain.OrderStatusCancelled
		case "REJECTED":
			o.Status = domain.OrderStatusRejected
		default:
			o.Status = domain.OrderStatusSentToBroker
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// post sends a Noren-style request (jData payload plus session key) and
// decodes a single-object response.
func (b *NorenBroker) post(ctx context.Context, path string, params map[string]string) (map[string]any, error) {
	body, err := b.send(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

// postList decodes an array response (position book, order book).
func (b *NorenBroker) postList(ctx context.Context, path string, params map[string]string) ([]map[string]any, error) {
	body, err := b.send(ctx, path, params)
	if err != nil {
		return nil, err
	}
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err != nil {
		// An empty book comes back as an error object, not an array.
		return nil, nil
	}
	return list, nil
}

func (b *NorenBroker) send(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("jData", string(payload))
	if b.sessionToken != "" {
		form.Set("jKey", b.sessionToken)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(b.cfg.BaseURL, "/")+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker returned status %d", httpResp.StatusCode)
	}
	return io.ReadAll(httpResp.Body)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func parseFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', 2, 64)
}
