// Package cost computes estimated and actual job costs. All amounts are
// shopspring decimals rounded to Scale places; nothing here reads the clock
// or mutates its input.
package cost

import (
	"time"

	"github.com/shopspring/decimal"

	"jobline/internal/domain"
	"jobline/internal/timer"
)

// Scale is the number of decimal places kept on every computed amount.
const Scale = 4

var msPerHour = decimal.NewFromInt(int64(time.Hour / time.Millisecond))

type ItemCost struct {
	ItemID            string          `json:"item_id"`
	EstimatedLabor    decimal.Decimal `json:"estimated_labor"`
	EstimatedMachines decimal.Decimal `json:"estimated_machines"`
	ActualLabor       decimal.Decimal `json:"actual_labor"`
	ActualMachines    decimal.Decimal `json:"actual_machines"`
	Consumables       decimal.Decimal `json:"consumables"`
	Estimated         decimal.Decimal `json:"estimated"`
	Actual            decimal.Decimal `json:"actual"`
	LaborSeconds      int64           `json:"labor_seconds"`
	MachineSeconds    int64           `json:"machine_seconds"`
}

type JobCost struct {
	Items     []ItemCost      `json:"items"`
	Estimated decimal.Decimal `json:"estimated"`
	Actual    decimal.Decimal `json:"actual"`
}

// Amount multiplies hours by an hourly rate.
func Amount(hours, rate decimal.Decimal) decimal.Decimal {
	return hours.Mul(rate).Round(Scale)
}

// TimeAmount prices a measured duration at an hourly rate.
func TimeAmount(d time.Duration, rate decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(d.Milliseconds()).Mul(rate).Div(msPerHour).Round(Scale)
}

// Consumable prices one usage line.
func Consumable(u domain.ConsumableUsage) decimal.Decimal {
	return u.UnitPrice.Mul(u.Quantity).Round(Scale)
}

// Item computes both costs of one item with live durations at now.
func Item(it domain.JobItem, now time.Time) ItemCost {
	c := ItemCost{
		ItemID:            it.ID,
		EstimatedLabor:    Amount(it.EstimatedManHours, it.LaborRate),
		EstimatedMachines: decimal.Zero,
		ActualLabor:       decimal.Zero,
		ActualMachines:    decimal.Zero,
		Consumables:       decimal.Zero,
	}
	for _, w := range it.Workers {
		d := timer.Elapsed(w.Timer, now)
		c.LaborSeconds += int64(d / time.Second)
		c.ActualLabor = c.ActualLabor.Add(TimeAmount(d, w.HourlyRate))
	}
	for _, m := range it.Machines {
		d := timer.Elapsed(m.Timer, now)
		c.MachineSeconds += int64(d / time.Second)
		c.EstimatedMachines = c.EstimatedMachines.Add(Amount(m.EstimatedHours, m.HourlyRate))
		c.ActualMachines = c.ActualMachines.Add(TimeAmount(d, m.HourlyRate))
	}
	for _, u := range it.Consumables {
		c.Consumables = c.Consumables.Add(Consumable(u))
	}
	c.Estimated = c.EstimatedLabor.Add(c.EstimatedMachines).Add(c.Consumables)
	c.Actual = c.ActualLabor.Add(c.ActualMachines).Add(c.Consumables)
	return c
}

// Job sums item costs. Totals are always rebuilt from the items.
func Job(job domain.Job, now time.Time) JobCost {
	jc := JobCost{Estimated: decimal.Zero, Actual: decimal.Zero}
	for _, it := range job.Items {
		ic := Item(it, now)
		jc.Items = append(jc.Items, ic)
		jc.Estimated = jc.Estimated.Add(ic.Estimated)
		jc.Actual = jc.Actual.Add(ic.Actual)
	}
	return jc
}

// Apply refreshes the cached per-item and per-job amounts on job.
func Apply(job *domain.Job, now time.Time) JobCost {
	for i := range job.Items {
		it := &job.Items[i]
		it.EstimatedPrice = Amount(it.EstimatedManHours, it.LaborRate)
		for j := range it.Machines {
			m := &it.Machines[j]
			m.EstimatedCost = Amount(m.EstimatedHours, m.HourlyRate)
		}
	}
	jc := Job(*job, now)
	job.EstimatedTotal = jc.Estimated
	job.ActualTotal = jc.Actual
	return jc
}
