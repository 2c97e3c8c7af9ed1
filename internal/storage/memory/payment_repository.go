package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type paymentRepo struct {
	s *Store
	u *unit
}

func (r paymentRepo) Create(_ context.Context, payment domain.Payment) error {
	return r.s.with(r.u, true, func(u *unit) error {
		if _, exists := u.payment(payment.ID); exists {
			return domain.ErrAlreadyExists
		}
		duplicate := false
		u.eachPayment(func(p domain.Payment) bool {
			duplicate = p.IdempotencyKey == payment.IdempotencyKey
			return !duplicate
		})
		if duplicate {
			return domain.ErrPaymentAlreadyInitialized
		}
		payment.Version = 1
		u.payments[payment.ID] = payment.Clone()
		return nil
	})
}

func (r paymentRepo) Get(_ context.Context, id string) (domain.Payment, error) {
	var out domain.Payment
	err := r.s.with(r.u, false, func(u *unit) error {
		p, ok := u.payment(id)
		if !ok {
			return domain.ErrPaymentNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (r paymentRepo) GetByIdempotencyKey(_ context.Context, key string) (domain.Payment, error) {
	return r.findOne(func(p domain.Payment) bool { return p.IdempotencyKey == key })
}

func (r paymentRepo) GetByProviderPaymentID(_ context.Context, providerID string) (domain.Payment, error) {
	return r.findOne(func(p domain.Payment) bool { return providerID != "" && p.ProviderPaymentID == providerID })
}

func (r paymentRepo) GetByCheckoutSessionID(_ context.Context, sessionID string) (domain.Payment, error) {
	return r.findOne(func(p domain.Payment) bool { return sessionID != "" && p.CheckoutSessionID == sessionID })
}

func (r paymentRepo) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	var out []domain.Payment
	err := r.s.with(r.u, false, func(u *unit) error {
		u.eachPayment(func(p domain.Payment) bool {
			if p.OrderID == orderID {
				out = append(out, p)
			}
			return true
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Save перезаписывает платёж целиком, проверяя версию.
func (r paymentRepo) Save(_ context.Context, payment domain.Payment) error {
	return r.s.with(r.u, true, func(u *unit) error {
		current, ok := u.payment(payment.ID)
		if !ok {
			return domain.ErrPaymentNotFound
		}
		if current.Version != payment.Version {
			return domain.ErrVersionConflict
		}
		payment.Version++
		payment.IdempotencyKey = current.IdempotencyKey
		payment.CreatedAt = current.CreatedAt
		u.payments[payment.ID] = payment.Clone()
		return nil
	})
}

func (r paymentRepo) findOne(match func(p domain.Payment) bool) (domain.Payment, error) {
	var (
		out   domain.Payment
		found bool
	)
	err := r.s.with(r.u, false, func(u *unit) error {
		u.eachPayment(func(p domain.Payment) bool {
			if match(p) {
				out, found = p, true
				return false
			}
			return true
		})
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	if !found {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return out, nil
}

var _ domain.PaymentRepository = paymentRepo{}
