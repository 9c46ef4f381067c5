package pricing

import (
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// ValidateRateTable checks a supplier cost or merchant fee table: known
// payment methods, non-empty brand and band, rate within [0, 100] and no
// duplicate keys.
func ValidateRateTable(field string, rates []RateEntry) error {
	seen := make(map[RateKey]struct{}, len(rates))
	for i, r := range rates {
		at := fmt.Sprintf("%s[%d]", field, i)
		if !r.Method.Valid() {
			return &ValidationError{Field: at + ".method", Message: fmt.Sprintf("unknown payment method %q", r.Method)}
		}
		if r.Brand == "" {
			return &ValidationError{Field: at + ".brand", Message: "required"}
		}
		if r.Band == "" {
			return &ValidationError{Field: at + ".band", Message: "required"}
		}
		if err := ValidatePercent(at+".rate", r.Rate); err != nil {
			return err
		}
		if _, dup := seen[r.RateKey]; dup {
			return &ValidationError{Field: at, Message: fmt.Sprintf("duplicate key %s", r.RateKey)}
		}
		seen[r.RateKey] = struct{}{}
	}
	return nil
}

// NormalizeRateTable rounds every rate and sorts by key.
func NormalizeRateTable(rates []RateEntry) []RateEntry {
	out := make([]RateEntry, len(rates))
	for i, r := range rates {
		out[i] = RateEntry{RateKey: r.RateKey, Rate: NormalizeRate(r.Rate)}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j].RateKey) })
	return out
}

func orDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	d := logrus.New()
	d.SetOutput(io.Discard)
	return d
}
