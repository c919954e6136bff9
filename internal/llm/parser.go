package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
)

// receiptPayload is the wire shape the model is prompted to return. Amount
// tolerates both numbers and numeric strings since models drift on this.
type receiptPayload struct {
	Amount          json.RawMessage `json:"amount"`
	Vendor          *string         `json:"vendor"`
	Category        *string         `json:"category"`
	TransactionDate *string         `json:"transaction_date"`
	Description     *string         `json:"description"`
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006年01月02日",
}

// parseCandidateFields extracts the JSON object from the model's response
// and converts it into candidate fields. Missing or unparsable fields stay
// nil; the user completes them at confirmation time.
func parseCandidateFields(content string) (model.CandidateFields, error) {
	content = strings.TrimSpace(content)

	// Models occasionally wrap the JSON in prose or fences; slice out the
	// outermost object.
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return model.CandidateFields{}, fmt.Errorf("%w: response contains no JSON object", common.ErrExtraction)
	}

	var payload receiptPayload
	if err := json.Unmarshal([]byte(content[start:end+1]), &payload); err != nil {
		return model.CandidateFields{}, fmt.Errorf("%w: %v", common.ErrExtraction, err)
	}

	fields := model.CandidateFields{
		Vendor:      cleanString(payload.Vendor),
		Category:    cleanString(payload.Category),
		Description: cleanString(payload.Description),
	}

	if amount, ok := parseAmount(payload.Amount); ok {
		fields.Amount = &amount
	}
	if payload.TransactionDate != nil {
		if date, ok := parseDate(*payload.TransactionDate); ok {
			fields.TransactionDate = &date
		}
	}

	return fields, nil
}

func cleanString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" || strings.EqualFold(trimmed, "null") {
		return nil
	}
	return &trimmed
}

func parseAmount(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, true
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, false
	}
	text = strings.TrimSpace(strings.TrimLeft(text, "¥$€£"))
	text = strings.ReplaceAll(text, ",", "")
	number, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return number, true
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
