package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/karmaledger/internal/karma"
)

// requestValidate checks request structs before any ledger is touched.
// Initialized in init() with the catalog validators.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("karma_action", validateAction)
	_ = requestValidate.RegisterValidation("remediation", validateRemediation)
}

func validateAction(fl validator.FieldLevel) bool {
	_, err := karma.ParseAction(fl.Field().String())
	return err == nil
}

func validateRemediation(fl validator.FieldLevel) bool {
	_, err := karma.ParseRemediation(fl.Field().String())
	return err == nil
}

// ActionRequest logs one action for a user.
//
// Intensity scales rewards and demerits. Zero means 1.0; anything else must
// be in (0, 2]. Role is the role the caller believes the user holds and
// selects the value-table row; empty means the ledger's current role.
type ActionRequest struct {
	UserID    string            `json:"user_id" validate:"required,max=256"`
	Action    string            `json:"action" validate:"required,karma_action"`
	Role      string            `json:"role,omitempty" validate:"max=64"`
	Intensity float64           `json:"intensity,omitempty" validate:"gte=0,lte=2"`
	Context   string            `json:"context,omitempty" validate:"max=1024"`
	Note      string            `json:"note,omitempty" validate:"max=4096"`
	Metadata  map[string]string `json:"metadata,omitempty" validate:"max=32"`
}

// Validate checks the request fields.
func (r *ActionRequest) Validate() error {
	return requestValidate.Struct(r)
}

func (r *ActionRequest) intensity() float64 {
	if r.Intensity == 0 {
		return 1.0
	}
	return r.Intensity
}

// CreditRequest adds a signed amount to one balance.
type CreditRequest struct {
	UserID string  `json:"user_id" validate:"required,max=256"`
	Path   string  `json:"path" validate:"required"`
	Delta  float64 `json:"delta" validate:"required"`
	Note   string  `json:"note,omitempty" validate:"max=4096"`
}

// Validate checks the request fields.
func (r *CreditRequest) Validate() error {
	return requestValidate.Struct(r)
}

// AtonementRequest submits remediation work against a plan.
type AtonementRequest struct {
	UserID string  `json:"user_id" validate:"required,max=256"`
	PlanID string  `json:"plan_id" validate:"required"`
	Type   string  `json:"type" validate:"required,remediation"`
	Amount float64 `json:"amount" validate:"gt=0"`
	Proof  string  `json:"proof,omitempty" validate:"max=4096"`
	Ref    string  `json:"ref,omitempty" validate:"max=256"`
}

// Validate checks the request fields.
func (r *AtonementRequest) Validate() error {
	return requestValidate.Struct(r)
}

// RedeemRequest spends part of one balance.
type RedeemRequest struct {
	UserID string  `json:"user_id" validate:"required,max=256"`
	Path   string  `json:"path" validate:"required"`
	Amount float64 `json:"amount" validate:"gt=0"`
	Note   string  `json:"note,omitempty" validate:"max=4096"`
}

// Validate checks the request fields.
func (r *RedeemRequest) Validate() error {
	return requestValidate.Struct(r)
}

// DebtRequest opens a karmic debt from DebtorID to ReceiverID.
type DebtRequest struct {
	DebtorID    string  `json:"debtor_id" validate:"required,max=256"`
	ReceiverID  string  `json:"receiver_id" validate:"required,max=256"`
	Action      string  `json:"action,omitempty" validate:"max=64"`
	Severity    string  `json:"severity" validate:"required,oneof=minor medium major"`
	Amount      float64 `json:"amount" validate:"gt=0"`
	Description string  `json:"description,omitempty" validate:"max=4096"`
}

// Validate checks the request fields.
func (r *DebtRequest) Validate() error {
	return requestValidate.Struct(r)
}

// RepayRequest pays part or all of a debt. An empty Method records the
// default repayment method.
type RepayRequest struct {
	DebtID string  `json:"debt_id" validate:"required,max=256"`
	Amount float64 `json:"amount" validate:"gt=0"`
	Method string  `json:"method,omitempty" validate:"max=64"`
}

// Validate checks the request fields.
func (r *RepayRequest) Validate() error {
	return requestValidate.Struct(r)
}

// TransferRequest hands an active debt to another debtor.
type TransferRequest struct {
	DebtID      string `json:"debt_id" validate:"required,max=256"`
	NewDebtorID string `json:"new_debtor_id" validate:"required,max=256"`
}

// Validate checks the request fields.
func (r *TransferRequest) Validate() error {
	return requestValidate.Struct(r)
}

// checkRequest runs Validate and turns a failure into an INVALID_INPUT
// error naming every offending field.
func checkRequest(userID string, v interface{ Validate() error }) error {
	err := v.Validate()
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidInput(userID, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return invalidInput(userID, fmt.Errorf("invalid request: %s", strings.Join(parts, ", ")))
}
