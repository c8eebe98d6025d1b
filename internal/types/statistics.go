package types

import (
	"fmt"
	"os"
	"time"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Metrics are the performance figures derived from one set of per-sell outcomes.
// Ratios that have no defined value are None rather than zero.
type Metrics struct {
	// Realized PnL. Sum of the net PnL of every classified sell in scope.
	RealizedPnL decimal.Decimal
	// Gross realized PnL before fees.
	GrossRealizedPnL decimal.Decimal
	// Unrealized PnL over open lots whose instrument has a known price.
	UnrealizedPnL decimal.Decimal
	// Total PnL. RealizedPnL plus UnrealizedPnL.
	TotalPnL decimal.Decimal
	// Count of classified sells, breakeven included.
	TotalTrades int
	Wins        int
	Losses      int
	Breakeven   int
	// WinRate is wins / (wins + losses) as a percentage.
	WinRate optional.Option[decimal.Decimal]
	// AvgWin is the mean net PnL of winning sells.
	AvgWin decimal.Decimal
	// AvgLoss is the mean absolute net PnL of losing sells.
	AvgLoss     decimal.Decimal
	GrossProfit decimal.Decimal
	// GrossLoss is reported as a positive amount.
	GrossLoss decimal.Decimal
	// ProfitFactor is GrossProfit / GrossLoss and is None when GrossLoss is zero.
	ProfitFactor optional.Option[decimal.Decimal]
	// Expectancy is RealizedPnL / TotalTrades and is None when there are no trades.
	Expectancy optional.Option[decimal.Decimal]
	// MaxDrawdown is the largest peak-to-trough decline of the cumulative realized PnL curve.
	MaxDrawdown decimal.Decimal
	// MaxDrawdownPct is MaxDrawdown as a percentage of its peak. None when the peak is not positive.
	MaxDrawdownPct optional.Option[decimal.Decimal]
	LargestWin     decimal.Decimal
	LargestLoss    decimal.Decimal
}

type metricsDocument struct {
	RealizedPnL      decimal.Decimal  `yaml:"realized_pnl"`
	GrossRealizedPnL decimal.Decimal  `yaml:"gross_realized_pnl"`
	UnrealizedPnL    decimal.Decimal  `yaml:"unrealized_pnl"`
	TotalPnL         decimal.Decimal  `yaml:"total_pnl"`
	TotalTrades      int              `yaml:"total_trades"`
	Wins             int              `yaml:"wins"`
	Losses           int              `yaml:"losses"`
	Breakeven        int              `yaml:"breakeven"`
	WinRate          *decimal.Decimal `yaml:"win_rate"`
	AvgWin           decimal.Decimal  `yaml:"avg_win"`
	AvgLoss          decimal.Decimal  `yaml:"avg_loss"`
	GrossProfit      decimal.Decimal  `yaml:"gross_profit"`
	GrossLoss        decimal.Decimal  `yaml:"gross_loss"`
	ProfitFactor     *decimal.Decimal `yaml:"profit_factor"`
	Expectancy       *decimal.Decimal `yaml:"expectancy"`
	MaxDrawdown      decimal.Decimal  `yaml:"max_drawdown"`
	MaxDrawdownPct   *decimal.Decimal `yaml:"max_drawdown_pct"`
	LargestWin       decimal.Decimal  `yaml:"largest_win"`
	LargestLoss      decimal.Decimal  `yaml:"largest_loss"`
}

func optionPtr(o optional.Option[decimal.Decimal]) *decimal.Decimal {
	if o.IsNone() {
		return nil
	}

	v := o.Unwrap()

	return &v
}

func ptrOption(p *decimal.Decimal) optional.Option[decimal.Decimal] {
	if p == nil {
		return optional.None[decimal.Decimal]()
	}

	return optional.Some(*p)
}

// MarshalYAML writes undefined ratios as null.
func (m Metrics) MarshalYAML() (interface{}, error) {
	return metricsDocument{
		RealizedPnL:      m.RealizedPnL,
		GrossRealizedPnL: m.GrossRealizedPnL,
		UnrealizedPnL:    m.UnrealizedPnL,
		TotalPnL:         m.TotalPnL,
		TotalTrades:      m.TotalTrades,
		Wins:             m.Wins,
		Losses:           m.Losses,
		Breakeven:        m.Breakeven,
		WinRate:          optionPtr(m.WinRate),
		AvgWin:           m.AvgWin,
		AvgLoss:          m.AvgLoss,
		GrossProfit:      m.GrossProfit,
		GrossLoss:        m.GrossLoss,
		ProfitFactor:     optionPtr(m.ProfitFactor),
		Expectancy:       optionPtr(m.Expectancy),
		MaxDrawdown:      m.MaxDrawdown,
		MaxDrawdownPct:   optionPtr(m.MaxDrawdownPct),
		LargestWin:       m.LargestWin,
		LargestLoss:      m.LargestLoss,
	}, nil
}

func (m *Metrics) UnmarshalYAML(value *yaml.Node) error {
	var doc metricsDocument
	if err := value.Decode(&doc); err != nil {
		return err
	}

	*m = Metrics{
		RealizedPnL:      doc.RealizedPnL,
		GrossRealizedPnL: doc.GrossRealizedPnL,
		UnrealizedPnL:    doc.UnrealizedPnL,
		TotalPnL:         doc.TotalPnL,
		TotalTrades:      doc.TotalTrades,
		Wins:             doc.Wins,
		Losses:           doc.Losses,
		Breakeven:        doc.Breakeven,
		WinRate:          ptrOption(doc.WinRate),
		AvgWin:           doc.AvgWin,
		AvgLoss:          doc.AvgLoss,
		GrossProfit:      doc.GrossProfit,
		GrossLoss:        doc.GrossLoss,
		ProfitFactor:     ptrOption(doc.ProfitFactor),
		Expectancy:       ptrOption(doc.Expectancy),
		MaxDrawdown:      doc.MaxDrawdown,
		MaxDrawdownPct:   ptrOption(doc.MaxDrawdownPct),
		LargestWin:       doc.LargestWin,
		LargestLoss:      doc.LargestLoss,
	}

	return nil
}

type InstrumentBreakdown struct {
	Instrument string  `yaml:"instrument"`
	Metrics    Metrics `yaml:"metrics"`
	// PriceKnown is false when the price snapshot had no price for the instrument.
	PriceKnown        bool `yaml:"price_known"`
	OpenLots          int  `yaml:"open_lots"`
	UnreconciledCount int  `yaml:"unreconciled_count"`
}

// TriggerBreakdown carries realized figures only. Open lots have no trigger.
type TriggerBreakdown struct {
	Trigger           string  `yaml:"trigger"`
	Metrics           Metrics `yaml:"metrics"`
	UnreconciledCount int     `yaml:"unreconciled_count"`
}

// Window bounds a report by sell time. Zero bounds are open.
type Window struct {
	From time.Time `yaml:"from"`
	To   time.Time `yaml:"to"`
}

// Contains reports whether t lies in [From, To).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}

	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}

	return true
}

type PerformanceSnapshot struct {
	// ID is assigned when the snapshot is recorded.
	ID                string    `yaml:"id"`
	AllocationVersion int       `yaml:"allocation_version"`
	PnLSource         PnLSource `yaml:"pnl_source"`
	Window            Window    `yaml:"window"`
	Instruments       []string  `yaml:"instruments,omitempty"`
	Triggers          []string  `yaml:"triggers,omitempty"`
	// GeneratedAt is when the snapshot was recorded.
	GeneratedAt             time.Time             `yaml:"generated_at"`
	Metrics                 Metrics               `yaml:"metrics"`
	PerInstrument           []InstrumentBreakdown `yaml:"per_instrument"`
	PerTrigger              []TriggerBreakdown    `yaml:"per_trigger"`
	UnreconciledCount       int                   `yaml:"unreconciled_count"`
	AnomalyCount            int                   `yaml:"anomaly_count"`
	PriceUnknownCount       int                   `yaml:"price_unknown_count"`
	PriceUnknownInstruments []string              `yaml:"price_unknown_instruments"`
	// MissingSourceCount is the number of sells that had no figure under the selected PnL source.
	MissingSourceCount int `yaml:"missing_source_count"`
}

// Disclosures returns the lines every report must show next to the metrics. Counters that are
// zero produce no line.
func (s PerformanceSnapshot) Disclosures() []string {
	lines := []string{}

	if s.UnreconciledCount > 0 {
		lines = append(lines, fmt.Sprintf("%d unreconciled trades", s.UnreconciledCount))
	}

	if s.AnomalyCount > 0 {
		lines = append(lines, fmt.Sprintf("%d anomalies", s.AnomalyCount))
	}

	if s.PriceUnknownCount > 0 {
		lines = append(lines, fmt.Sprintf("%d price-unknown instruments", s.PriceUnknownCount))
	}

	if s.MissingSourceCount > 0 {
		lines = append(lines, fmt.Sprintf("%d trades without %s pnl", s.MissingSourceCount, s.PnLSource))
	}

	return lines
}

func MarshalSnapshot(snapshot PerformanceSnapshot) ([]byte, error) {
	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal performance snapshot to YAML: %w", err)
	}

	return data, nil
}

func UnmarshalSnapshot(data []byte) (PerformanceSnapshot, error) {
	var snapshot PerformanceSnapshot
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		return PerformanceSnapshot{}, fmt.Errorf("failed to unmarshal performance snapshot: %w", err)
	}

	return snapshot, nil
}

func WriteSnapshotYAML(path string, snapshot PerformanceSnapshot) error {
	data, err := MarshalSnapshot(snapshot)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write performance snapshot to file: %w", err)
	}

	return nil
}
