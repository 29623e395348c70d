package strategy

import (
	"fmt"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
)

// OptionSymbol derives the tradeable option symbol for an entry signal from
// the at-the-money strike: <INDEX><yymmdd><strike>CE|PE. Long/short signals
// trade the index symbol itself.
func OptionSymbol(indexSymbol string, kind domain.SignalType, atmStrike float64, at time.Time) string {
	var suffix string
	switch kind {
	case domain.SignalCallEntry:
		suffix = "CE"
	case domain.SignalPutEntry:
		suffix = "PE"
	default:
		return indexSymbol
	}
	if atmStrike <= 0 {
		return indexSymbol
	}
	return fmt.Sprintf("%s%s%d%s", indexSymbol, at.Format("060102"), int(atmStrike), suffix)
}
