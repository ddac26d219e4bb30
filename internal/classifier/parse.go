package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParsePaymentVerdict parses the JSON object returned by the payment
// classifier.
func ParsePaymentVerdict(jsonText string) (*PaymentVerdict, error) {
	var raw struct {
		IsRequest bool  `json:"is_request"`
		Amount    int64 `json:"amount"`
	}
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("invalid payment verdict JSON: %w", err)
	}
	if raw.Amount < 0 {
		raw.Amount = 0
	}
	return &PaymentVerdict{IsRequest: raw.IsRequest, Amount: raw.Amount}, nil
}

// ParseQuestionVerdict parses the JSON object returned by the question
// classifier. Target IDs that are not valid integers are dropped; if all
// specific targets are invalid the verdict falls back to addressing
// everyone.
func ParseQuestionVerdict(jsonText string) (*QuestionVerdict, error) {
	var raw struct {
		IsQuestion      bool     `json:"is_question"`
		TargetsEveryone bool     `json:"targets_everyone"`
		TargetIDs       []string `json:"target_ids"`
		NormalizedText  string   `json:"normalized_text"`
	}
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("invalid question verdict JSON: %w", err)
	}

	verdict := &QuestionVerdict{
		IsQuestion:      raw.IsQuestion,
		TargetsEveryone: raw.TargetsEveryone,
		NormalizedText:  strings.TrimSpace(raw.NormalizedText),
	}
	if !verdict.IsQuestion {
		return &QuestionVerdict{}, nil
	}

	for _, s := range raw.TargetIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		verdict.Targets = append(verdict.Targets, id)
	}
	if !verdict.TargetsEveryone && len(verdict.Targets) == 0 {
		verdict.TargetsEveryone = true
	}
	return verdict, nil
}

// suggestionCount is how many reply suggestions a reminder carries.
const suggestionCount = 4

// ParseSuggestions parses the JSON array of reply suggestions. Blank
// entries are dropped; short results are padded from the fallbacks and
// long results truncated so exactly four are returned.
func ParseSuggestions(jsonText string) ([]string, error) {
	var raw []string
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("invalid suggestions JSON: %w", err)
	}

	suggestions := make([]string, 0, suggestionCount)
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		suggestions = append(suggestions, s)
		if len(suggestions) == suggestionCount {
			break
		}
	}
	if len(suggestions) == 0 {
		return nil, fmt.Errorf("suggestions JSON contained no usable entries")
	}

	for _, fallback := range FallbackSuggestions() {
		if len(suggestions) == suggestionCount {
			break
		}
		suggestions = append(suggestions, fallback)
	}
	return suggestions, nil
}
