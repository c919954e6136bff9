package session

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xiaohaiyan/shoebox/internal/model"
)

// QianjiOptions controls the deep-link bookkeeping mode, where the bot
// replies with a qianji:// link instead of running the confirm flow.
type QianjiOptions struct {
	Enabled bool
	// CateChoose pops the app's category chooser instead of passing the
	// extracted category along.
	CateChoose bool
}

// BuildQianjiURL renders the qianji://publicapi/addbill deep link for a set
// of candidate fields. Returns empty when the amount is missing, since the
// app rejects bills without one.
func BuildQianjiURL(fields model.CandidateFields, opts QianjiOptions) string {
	if fields.Amount == nil {
		return ""
	}

	params := []string{
		// Receipts can't distinguish income from expense; default to expense.
		"type=0",
		fmt.Sprintf("money=%.2f", *fields.Amount),
	}

	if fields.TransactionDate != nil {
		params = append(params, "time="+url.QueryEscape(fields.TransactionDate.Format("2006-01-02")+" 12:00:00"))
	}

	remark := ""
	if fields.Description != nil {
		remark = *fields.Description
	} else if fields.Vendor != nil {
		remark = *fields.Vendor
	}
	if remark != "" {
		params = append(params, "remark="+url.QueryEscape(remark))
	}

	if fields.Category != nil && !opts.CateChoose {
		params = append(params, "catename="+url.QueryEscape(*fields.Category))
	}
	if opts.CateChoose {
		params = append(params, "catechoose=1")
	}

	return "qianji://publicapi/addbill?" + strings.Join(params, "&")
}
