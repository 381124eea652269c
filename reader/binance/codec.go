package binance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"marketcore/internal/faults"
	"marketcore/models"
)

// TickerArrayStream is the all-market 24h ticker stream.
const TickerArrayStream = "!ticker@arr"

// Kind classifies a decoded stream frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindKline
	KindTrade
	KindDepth
	KindTicker
)

func (k Kind) String() string {
	switch k {
	case KindKline:
		return "kline"
	case KindTrade:
		return "trade"
	case KindDepth:
		return "depth"
	case KindTicker:
		return "ticker"
	default:
		return "unknown"
	}
}

// Message is one normalized stream frame. Only the field matching Kind is set.
type Message struct {
	Kind     Kind
	Stream   string
	Symbol   string
	Interval models.Timeframe
	Candle   models.Candle
	Trade    models.Trade
	Diff     models.DepthDiff
	Tickers  []models.Ticker
}

// KlineStream, TradeStream and DepthStream name the per-symbol combined streams.
func KlineStream(symbol string, tf models.Timeframe) string {
	return strings.ToLower(symbol) + "@kline_" + string(tf)
}

func TradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@aggTrade"
}

func DepthStream(symbol, speed string) string {
	s := strings.ToLower(symbol) + "@depth"
	if speed != "" {
		s += "@" + speed
	}
	return s
}

// SymbolStreams returns the streams carrying the active key.
func SymbolStreams(symbol string, tf models.Timeframe, depthSpeed string) []string {
	return []string{
		KlineStream(symbol, tf),
		TradeStream(symbol),
		DepthStream(symbol, depthSpeed),
	}
}

// Payloads declare every single-letter key the venue sends, including the ones
// the decoder ignores, so that case-insensitive key matching never binds an
// upper-case key to a lower-case field or the reverse.

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

type klinePayload struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Kline     klineFields `json:"k"`
}

type klineFields struct {
	OpenTime         int64  `json:"t"`
	CloseTime        int64  `json:"T"`
	Symbol           string `json:"s"`
	Interval         string `json:"i"`
	FirstTradeID     int64  `json:"f"`
	LastTradeID      int64  `json:"L"`
	Open             string `json:"o"`
	Close            string `json:"c"`
	High             string `json:"h"`
	Low              string `json:"l"`
	Volume           string `json:"v"`
	TradeCount       int64  `json:"n"`
	Final            bool   `json:"x"`
	QuoteVolume      string `json:"q"`
	TakerBaseVolume  string `json:"V"`
	TakerQuoteVolume string `json:"Q"`
	Ignore           string `json:"B"`
}

type aggTradePayload struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	BuyerMaker   bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

type depthPayload struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type tickerPayload struct {
	Event              string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	WeightedAvgPrice   string `json:"w"`
	PrevClosePrice     string `json:"x"`
	LastPrice          string `json:"c"`
	LastQty            string `json:"Q"`
	BidPrice           string `json:"b"`
	BidQty             string `json:"B"`
	AskPrice           string `json:"a"`
	AskQty             string `json:"A"`
	OpenPrice          string `json:"o"`
	HighPrice          string `json:"h"`
	LowPrice           string `json:"l"`
	Volume             string `json:"v"`
	QuoteVolume        string `json:"q"`
	OpenTime           int64  `json:"O"`
	CloseTime          int64  `json:"C"`
	FirstID            int64  `json:"F"`
	LastID             int64  `json:"L"`
	Count              int64  `json:"n"`
}

var errUnknownStream = errors.New("unknown stream")

// Decode parses a combined-stream frame. Failures are *faults.MalformedMessageError.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, &faults.MalformedMessageError{Stream: "envelope", Err: err}
	}
	if len(env.Data) == 0 {
		return Message{}, &faults.MalformedMessageError{Stream: env.Stream, Err: errors.New("missing data")}
	}

	kind := streamKind(env.Stream)
	if kind == KindUnknown {
		kind = eventKind(env.Data)
	}

	msg := Message{Kind: kind, Stream: env.Stream}
	var err error
	switch kind {
	case KindKline:
		err = decodeKline(env.Data, &msg)
	case KindTrade:
		err = decodeTrade(env.Data, &msg)
	case KindDepth:
		err = decodeDepth(env.Data, &msg)
	case KindTicker:
		err = decodeTickers(env.Data, &msg)
	default:
		err = errUnknownStream
	}
	if err != nil {
		return Message{}, &faults.MalformedMessageError{Stream: env.Stream, Err: err}
	}
	return msg, nil
}

func streamKind(stream string) Kind {
	switch {
	case stream == "":
		return KindUnknown
	case stream == TickerArrayStream:
		return KindTicker
	case strings.Contains(stream, "@kline_"):
		return KindKline
	case strings.HasSuffix(stream, "@aggTrade"), strings.HasSuffix(stream, "@trade"):
		return KindTrade
	case strings.Contains(stream, "@depth"):
		return KindDepth
	default:
		return KindUnknown
	}
}

func eventKind(data []byte) Kind {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return KindTicker
	}
	var h eventHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return KindUnknown
	}
	switch h.Event {
	case "kline":
		return KindKline
	case "aggTrade", "trade":
		return KindTrade
	case "depthUpdate":
		return KindDepth
	case "24hrTicker":
		return KindTicker
	default:
		return KindUnknown
	}
}

func decodeKline(data []byte, msg *Message) error {
	var p klinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	k := p.Kline
	if k.OpenTime <= 0 {
		return errors.New("kline without open time")
	}
	tf, err := models.ParseTimeframe(k.Interval)
	if err != nil {
		return err
	}
	values, err := parseNumbers(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return err
	}
	msg.Symbol = models.NormalizeSymbol(p.Symbol)
	msg.Interval = tf
	msg.Candle = models.Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Closed:    k.Final,
	}
	return nil
}

func decodeTrade(data []byte, msg *Message) error {
	var p aggTradePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	price, err := parseNumber(p.Price)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	qty, err := parseQuantity(p.Quantity)
	if err != nil {
		return fmt.Errorf("quantity: %w", err)
	}
	msg.Symbol = models.NormalizeSymbol(p.Symbol)
	msg.Trade = models.Trade{
		ID:       p.AggTradeID,
		Price:    price,
		Quantity: qty,
		Time:     p.TradeTime,
		Side:     models.SideFromMaker(p.BuyerMaker),
	}
	return nil
}

func decodeDepth(data []byte, msg *Message) error {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.FinalUpdateID < p.FirstUpdateID {
		return fmt.Errorf("update range %d..%d inverted", p.FirstUpdateID, p.FinalUpdateID)
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return fmt.Errorf("asks: %w", err)
	}
	msg.Symbol = models.NormalizeSymbol(p.Symbol)
	msg.Diff = models.DepthDiff{
		Symbol:        msg.Symbol,
		FirstUpdateID: p.FirstUpdateID,
		FinalUpdateID: p.FinalUpdateID,
		EventTime:     p.EventTime,
		Bids:          bids,
		Asks:          asks,
	}
	return nil
}

// decodeTickers accepts both the array stream and a single-symbol ticker frame.
// Individual malformed entries are skipped.
func decodeTickers(data []byte, msg *Message) error {
	var list []tickerPayload
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
	} else {
		var one tickerPayload
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		list = []tickerPayload{one}
	}

	out := make([]models.Ticker, 0, len(list))
	for _, p := range list {
		values, err := parseNumbers(p.LastPrice, p.PriceChangePercent, p.Volume, p.BidPrice, p.AskPrice)
		if err != nil || p.Symbol == "" {
			continue
		}
		out = append(out, models.Ticker{
			Symbol:       models.NormalizeSymbol(p.Symbol),
			LastPrice:    values[0],
			PctChange24h: values[1],
			Volume24h:    values[2],
			BidPrice:     values[3],
			AskPrice:     values[4],
		})
	}
	if len(list) > 0 && len(out) == 0 {
		return errors.New("no valid ticker entries")
	}
	msg.Tickers = out
	return nil
}

func parseNumber(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

func parseQuantity(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative quantity %s", s)
	}
	return d.InexactFloat64(), nil
}

func parseLevel(price, qty string) (models.DepthLevel, error) {
	p, err := parseNumber(price)
	if err != nil {
		return models.DepthLevel{}, err
	}
	if p <= 0 {
		return models.DepthLevel{}, fmt.Errorf("non-positive price %s", price)
	}
	q, err := parseQuantity(qty)
	if err != nil {
		return models.DepthLevel{}, err
	}
	return models.DepthLevel{Price: p, Quantity: q}, nil
}

func parseLevels(raw [][]string) ([]models.DepthLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]models.DepthLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(pair))
		}
		l, err := parseLevel(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
