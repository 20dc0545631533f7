package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	requestFileFlag = &cli.StringFlag{
		Name:  "file",
		Usage: "Read the assessment request from a JSON file ('-' for stdin)",
	}

	loanFlag = &cli.StringFlag{
		Name:  "loan",
		Usage: "Loan application ID",
	}

	clientFlag = &cli.StringFlag{
		Name:  "client",
		Usage: "Client ID",
	}

	amountFlag = &cli.StringFlag{
		Name:  "amount",
		Usage: "Requested amount",
	}

	termFlag = &cli.IntFlag{
		Name:  "term",
		Usage: "Term in months",
	}

	productFlag = &cli.StringFlag{
		Name:  "product",
		Usage: "Product type: PAYROLL or BUSINESS",
		Value: string(domain.ProductPayroll),
	}

	dataFlag = &cli.StringSliceFlag{
		Name:  "data",
		Usage: "Additional applicant metric as key=value (repeatable)",
	}

	assessCmd = &cli.Command{
		Name:      "assess",
		Usage:     "Assess one loan application and print the result",
		UsageText: "kestrel assess --loan L-1 --client C-1 --amount 12000 --term 24 --product PAYROLL",
		Action:    cmdAssess,
		Flags: []cli.Flag{
			requestFileFlag,
			loanFlag,
			clientFlag,
			amountFlag,
			termFlag,
			productFlag,
			dataFlag,
		},
	}
)

func cmdAssess(ctx context.Context, c *cli.Command) error {
	req, err := requestFromFlags(c)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, loadConfig(c), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.service.Assess(ctx, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*domain.CreditAssessment
		KeyFactors []domain.AssessmentFactor `json:"keyFactors"`
	}{result, result.KeyFactors(3)})
}

func requestFromFlags(c *cli.Command) (*domain.AssessmentRequest, error) {
	req := &domain.AssessmentRequest{}

	if path := c.String(requestFileFlag.Name); path != "" {
		var r io.Reader = os.Stdin
		if path != "-" {
			f, err := os.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open request: %w", err)
			}
			defer f.Close()
			r = f
		}
		if err := json.NewDecoder(r).Decode(req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}

	if c.IsSet(loanFlag.Name) {
		req.LoanApplicationID = c.String(loanFlag.Name)
	}
	if c.IsSet(clientFlag.Name) {
		req.ClientID = c.String(clientFlag.Name)
	}
	if c.IsSet(amountFlag.Name) {
		amount, err := decimal.NewFromString(c.String(amountFlag.Name))
		if err != nil {
			return nil, &domain.ValidationError{Field: "amount", Message: "must be a decimal number"}
		}
		req.RequestedAmount = amount
	}
	if c.IsSet(termFlag.Name) {
		req.TermMonths = int(c.Int(termFlag.Name))
	}
	if c.IsSet(productFlag.Name) || req.ProductType == "" {
		req.ProductType = domain.ProductType(strings.ToUpper(c.String(productFlag.Name)))
	}

	data, err := parseAdditionalData(c.StringSlice(dataFlag.Name))
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if req.AdditionalData == nil {
			req.AdditionalData = make(map[string]decimal.Decimal, len(data))
		}
		for k, v := range data {
			req.AdditionalData[k] = v
		}
	}
	return req, nil
}

func parseAdditionalData(pairs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, &domain.ValidationError{Field: "data", Message: fmt.Sprintf("%q is not key=value", pair)}
		}
		d, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, &domain.ValidationError{Field: "data", Message: fmt.Sprintf("%s must be a decimal number", key)}
		}
		out[key] = d
	}
	return out, nil
}
