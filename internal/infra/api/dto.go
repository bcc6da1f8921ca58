package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"entitlement-service/internal/domain/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type checkoutRequest struct {
	ProgramID string `json:"program_id" validate:"required,max=64"`
}

type subscribeRequest struct {
	Tier          string `json:"tier" validate:"required,oneof=basic premium elite"`
	PaymentMethod string `json:"payment_method" validate:"required,max=255"`
}

type changeTierRequest struct {
	Tier string `json:"tier" validate:"required,oneof=basic premium elite"`
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

type linkTelegramRequest struct {
	ChatID int64 `json:"chat_id" validate:"required"`
}

type programAccessResponse struct {
	ProgramID string `json:"program_id"`
	Access    bool   `json:"access"`
}

const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into dst and validates it. An empty body is
// allowed only when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("malformed JSON body: %w", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
			}
			return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: err.Error()})
}

type purchaseView struct {
	ID          string     `json:"id"`
	ProgramID   string     `json:"program_id"`
	Amount      int64      `json:"amount"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toPurchaseView(p *model.Purchase) purchaseView {
	return purchaseView{
		ID:          p.ID,
		ProgramID:   p.ProgramID,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Status:      string(p.Status),
		PaymentRef:  p.PaymentRef(),
		CompletedAt: p.CompletedAt,
		RefundedAt:  p.RefundedAt,
		CreatedAt:   p.CreatedAt,
	}
}

type checkoutResponse struct {
	Purchase     purchaseView `json:"purchase"`
	ClientSecret string       `json:"client_secret"`
}

type subscriptionView struct {
	ID                 string     `json:"id"`
	Tier               string     `json:"tier"`
	Status             string     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAt           *time.Time `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`
}

func toSubscriptionView(s *model.Subscription) subscriptionView {
	return subscriptionView{
		ID:                 s.ID,
		Tier:               string(s.Tier),
		Status:             string(s.Status),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAt:           s.CancelAt,
		CanceledAt:         s.CanceledAt,
	}
}
