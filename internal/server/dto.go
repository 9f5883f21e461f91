package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"jobline/internal/config"
	"jobline/internal/domain"
	"jobline/internal/engine"
)

// Request payloads. Amounts travel as decimal strings.

type CustomerRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	Plate    string `json:"plate,omitempty"`
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Year     int    `json:"year,omitempty"`
	VIN      string `json:"vin,omitempty"`
	Odometer int64  `json:"odometer,omitempty"`
}

type ItemRequest struct {
	Description       string `json:"description"`
	Priority          string `json:"priority,omitempty" enum:"Low,Medium,High"`
	JobTypeRef        string `json:"job_type_ref,omitempty"`
	LaborCategory     string `json:"labor_category"`
	EstimatedManHours string `json:"estimated_man_hours" example:"1.5"`
	WorkersAllowed    int    `json:"number_of_workers_allowed" minimum:"1"`
}

type CreateJobRequest struct {
	ID       *string         `json:"id,omitempty"`
	Customer CustomerRequest `json:"customer"`
	Items    []ItemRequest   `json:"items" minItems:"1"`
	Notes    *string         `json:"notes,omitempty"`
}

type UpdateItemRequest struct {
	LaborCategory     *string `json:"labor_category,omitempty"`
	EstimatedManHours *string `json:"estimated_man_hours,omitempty"`
	WorkersAllowed    *int    `json:"number_of_workers_allowed,omitempty"`
}

type AssignWorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

type AssignMachineRequest struct {
	MachineID      string  `json:"machine_id"`
	EstimatedHours *string `json:"estimated_hours,omitempty"`
}

type AddConsumableRequest struct {
	ConsumableID *string `json:"consumable_id,omitempty"`
	Name         *string `json:"name,omitempty"`
	UnitPrice    *string `json:"unit_price,omitempty"`
	Quantity     string  `json:"quantity_used"`
}

type UpdateConsumableRequest struct {
	Quantity string `json:"quantity_used"`
}

type NotesRequest struct {
	Notes string `json:"notes"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type EmployeeRequest struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
}

type MachineRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	IsAvailable *bool  `json:"is_available,omitempty"`
}

type ConsumableEntryRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Available *bool  `json:"available,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ShopID     string         `json:"shop_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ShopID      string   `json:"shop_id,omitempty"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type RateResponse struct {
	Category    string `json:"category"`
	HourlyRate  string `json:"hourly_rate"`
	Description string `json:"description,omitempty"`
}

type ShopConfigResponse struct {
	ShopID            string         `json:"shop_id"`
	Name              string         `json:"name"`
	Currency          string         `json:"currency"`
	JobCardPrefix     string         `json:"job_card_prefix"`
	LaborCategories   []RateResponse `json:"labor_categories"`
	MachineCategories []RateResponse `json:"machine_categories"`
}

type paginatedJobs struct {
	Items      []domain.Job `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (c CustomerRequest) toDomain() domain.Customer {
	return domain.Customer{
		ID:    strings.TrimSpace(c.ID),
		Name:  strings.TrimSpace(c.Name),
		Phone: strings.TrimSpace(c.Phone),
		Email: strings.TrimSpace(c.Email),
		Vehicle: domain.Vehicle{
			Plate:    strings.TrimSpace(c.Plate),
			Make:     c.Make,
			Model:    c.Model,
			Year:     c.Year,
			VIN:      c.VIN,
			Odometer: c.Odometer,
		},
	}
}

func (r ItemRequest) toInput() (engine.ItemInput, error) {
	hours, err := parseDecimal("estimated_man_hours", r.EstimatedManHours)
	if err != nil {
		return engine.ItemInput{}, err
	}
	return engine.ItemInput{
		Description:       r.Description,
		Priority:          domain.Priority(r.Priority),
		JobTypeRef:        r.JobTypeRef,
		LaborCategory:     r.LaborCategory,
		EstimatedManHours: hours,
		WorkersAllowed:    r.WorkersAllowed,
	}, nil
}

func parseDecimal(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "invalid_request", field+" must be a decimal number", map[string]any{"field": field, "value": raw})
	}
	return d, nil
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ShopID:     e.ShopID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func rateResponses(table map[string]config.Rate) []RateResponse {
	res := make([]RateResponse, 0, len(table))
	for name, rate := range table {
		res = append(res, RateResponse{Category: name, HourlyRate: rate.HourlyRate.String(), Description: rate.Description})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Category < res[j].Category })
	return res
}

func configResponse(cfg *config.Config) ShopConfigResponse {
	return ShopConfigResponse{
		ShopID:            cfg.Shop.ID,
		Name:              cfg.Shop.Name,
		Currency:          cfg.Shop.Currency,
		JobCardPrefix:     cfg.Prefix(),
		LaborCategories:   rateResponses(cfg.LaborCategories),
		MachineCategories: rateResponses(cfg.MachineCategories),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func boolOr(ptr *bool, fallback bool) bool {
	if ptr == nil {
		return fallback
	}
	return *ptr
}
