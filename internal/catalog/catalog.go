// Package catalog is the boundary to the shop's reference data: hourly rate
// tables and the employee, machine and consumable directories. The engine
// only sees the interfaces; Store backs them with the workspace database.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"jobline/internal/domain"
	"jobline/internal/repo"
)

// Kind selects a rate namespace. Labor and machine categories never share
// names.
type Kind string

const (
	Labor   Kind = "labor"
	Machine Kind = "machine"
)

type RateResolver interface {
	ResolveHourlyRate(ctx context.Context, shopID string, kind Kind, category string) (decimal.Decimal, error)
}

type Directory interface {
	GetEmployee(ctx context.Context, employeeID string) (domain.Employee, error)
	GetMachine(ctx context.Context, machineID string) (domain.Machine, error)
	GetConsumable(ctx context.Context, consumableID string) (domain.ConsumableEntry, error)
}

// Store resolves rates from the stored shop config and directory entries
// from their tables. Nothing is cached: a rate edit applies to the next
// assignment.
type Store struct {
	Repo repo.Repo
}

var (
	_ RateResolver = Store{}
	_ Directory    = Store{}
)

func (s Store) ResolveHourlyRate(ctx context.Context, shopID string, kind Kind, category string) (decimal.Decimal, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return decimal.Zero, fmt.Errorf("%w: %s category required", domain.ErrInvalidRequest, kind)
	}
	cfg, err := s.Repo.GetShopConfig(ctx, shopID)
	if err != nil {
		return decimal.Zero, unavailable("rate table", err)
	}
	table := cfg.LaborCategories
	if kind == Machine {
		table = cfg.MachineCategories
	}
	rate, ok := table[category]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: unknown %s category %q", domain.ErrInvalidRequest, kind, category)
	}
	return rate.HourlyRate, nil
}

func (s Store) GetEmployee(ctx context.Context, employeeID string) (domain.Employee, error) {
	e, err := s.Repo.GetEmployee(ctx, employeeID)
	return e, lookupErr("employee directory", err)
}

func (s Store) GetMachine(ctx context.Context, machineID string) (domain.Machine, error) {
	m, err := s.Repo.GetMachine(ctx, machineID)
	return m, lookupErr("machine directory", err)
}

func (s Store) GetConsumable(ctx context.Context, consumableID string) (domain.ConsumableEntry, error) {
	c, err := s.Repo.GetConsumable(ctx, consumableID)
	return c, lookupErr("consumable catalog", err)
}

// lookupErr keeps not-found as is and turns any other failure into
// DependencyUnavailable.
func lookupErr(what string, err error) error {
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return unavailable(what, err)
}

func unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrDependencyUnavailable, what, err)
}
