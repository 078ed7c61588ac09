package queue

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Summary is the typed view of the well-known keys callers put in
// Transaction.Data. Entries reloaded from JSON carry float64 numbers, so
// decoding is weakly typed.
type Summary struct {
	GameID     uint64 `mapstructure:"gameId"`
	FinalScore uint64 `mapstructure:"finalScore"`
	TotalJumps uint64 `mapstructure:"totalJumps"`
	Score      uint64 `mapstructure:"score"`
	Jumps      uint64 `mapstructure:"jumps"`
	Address    string `mapstructure:"address"`
	LocalOnly  bool   `mapstructure:"localOnly"`
}

// Summarize decodes tx.Data into a Summary. Unknown keys are ignored.
func Summarize(tx Transaction) (Summary, error) {
	var s Summary
	if tx.Data == nil {
		return s, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &s,
	})
	if err != nil {
		return s, err
	}

	if err := dec.Decode(tx.Data); err != nil {
		return s, errors.Wrapf(err, "decode data of transaction %s", tx.ID)
	}

	return s, nil
}
