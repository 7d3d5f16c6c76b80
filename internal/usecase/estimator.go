package usecase

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator approximates the token cost of a piece of text. Compaction
// policy is unaffected by which implementation is plugged in.
type TokenEstimator interface {
	EstimateText(s string) int
}

// HeuristicEstimator uses the chars/4 rule of thumb. Deterministic and
// dependency-free; the default.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateText(s string) int { return len(s) / 4 }

// TiktokenEstimator counts tokens with a real BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (e.g. "cl100k_base").
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %q: %w", encoding, err)
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) EstimateText(s string) int {
	return len(e.enc.Encode(s, nil, nil))
}
