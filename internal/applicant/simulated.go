// Package applicant provides the bureau and identity-provider adapters the
// assessment service reads applicant data from.
package applicant

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SimulatedBureau is a development adapter returning deterministic bureau
// reports derived from the client ID. Reports registered with Set take
// precedence.
type SimulatedBureau struct {
	mu      sync.RWMutex
	reports map[string]domain.BureauReport
}

// NewSimulatedBureau creates a simulated bureau.
func NewSimulatedBureau() *SimulatedBureau {
	return &SimulatedBureau{reports: make(map[string]domain.BureauReport)}
}

// Set pins the report returned for a client.
func (b *SimulatedBureau) Set(report domain.BureauReport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports[report.ClientID] = report
}

// GetReport returns the pinned report for clientID or a simulated one with a
// score in [300, 850].
func (b *SimulatedBureau) GetReport(ctx context.Context, clientID string) (*domain.BureauReport, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	pinned, ok := b.reports[clientID]
	b.mu.RUnlock()
	if ok {
		r := pinned
		r.Flags = slices.Clone(pinned.Flags)
		r.FetchedAt = time.Now().UTC()
		return &r, nil
	}

	h := sha256.Sum256([]byte(clientID))
	score := 300 + int(binary.BigEndian.Uint32(h[:4])%551)
	derogCount := int(binary.BigEndian.Uint16(h[4:6]) % 5)

	flags := []string{}
	if derogCount >= 3 {
		flags = append(flags, "late_payment")
	}
	if derogCount == 4 {
		flags = append(flags, "collections")
	}

	return &domain.BureauReport{
		ClientID:  clientID,
		Score:     score,
		Flags:     flags,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// MemoryDirectory is an in-memory loan-application identity provider. When
// simulate is set, unknown applications get a deterministic profile derived
// from the loan application ID; otherwise they are not found.
type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]domain.ApplicantProfile
	simulate bool
}

// NewMemoryDirectory creates a directory.
func NewMemoryDirectory(simulate bool) *MemoryDirectory {
	return &MemoryDirectory{
		profiles: make(map[string]domain.ApplicantProfile),
		simulate: simulate,
	}
}

// Put registers the profile of a loan application.
func (d *MemoryDirectory) Put(p domain.ApplicantProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.LoanApplicationID] = p
}

// GetProfile returns the financial profile of a loan application.
func (d *MemoryDirectory) GetProfile(ctx context.Context, loanApplicationID, clientID string) (*domain.ApplicantProfile, error) {
	if loanApplicationID == "" {
		return nil, fmt.Errorf("loan application ID is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	stored, ok := d.profiles[loanApplicationID]
	d.mu.RUnlock()
	if ok {
		p := stored
		p.Metrics = maps.Clone(stored.Metrics)
		p.FetchedAt = time.Now().UTC()
		return &p, nil
	}
	if !d.simulate {
		return nil, fmt.Errorf("profile for loan application %s: %w", loanApplicationID, domain.ErrNotFound)
	}

	h := sha256.Sum256([]byte(loanApplicationID))
	income := decimal.NewFromInt(int64(2000 + binary.BigEndian.Uint32(h[:4])%10001))
	debtShare := decimal.NewFromInt(int64(binary.BigEndian.Uint16(h[4:6]) % 41)).Div(decimal.NewFromInt(100))

	return &domain.ApplicantProfile{
		LoanApplicationID:    loanApplicationID,
		ClientID:             clientID,
		MonthlyIncome:        income,
		ExistingDebtPayments: income.Mul(debtShare).Round(2),
		EmploymentMonths:     int(binary.BigEndian.Uint16(h[6:8]) % 121),
		FetchedAt:            time.Now().UTC(),
	}, nil
}
