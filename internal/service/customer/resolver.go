// Package customer определяет клиента заказа: существующего по ID или нового гостя.
package customer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Resolver проверяет ссылку на клиента и при необходимости создаёт гостевую запись.
type Resolver struct {
	customers domain.CustomerRepository
	logger    *log.Entry
}

// NewResolver создаёт резолвер клиентов.
func NewResolver(customers domain.CustomerRepository, logger *log.Entry) *Resolver {
	if logger == nil {
		logger = log.WithField("component", "customer-resolver")
	}
	return &Resolver{customers: customers, logger: logger}
}

// Resolution — проверенная ссылка на клиента. Гость создаётся только в Commit.
type Resolution struct {
	resolver *Resolver

	mu        sync.Mutex
	customer  domain.Customer
	guest     *domain.Customer
	committed bool
}

// IsGuest сообщает, что Commit создаст нового клиента.
func (r *Resolution) IsGuest() bool {
	return r.guest != nil
}

// Prepare проверяет ссылку без побочных эффектов.
// Если задан customerId, он имеет приоритет над данными гостя.
func (r *Resolver) Prepare(ctx context.Context, ref domain.CustomerRef) (*Resolution, error) {
	if ref.ID != nil && *ref.ID > 0 {
		existing, err := r.customers.Get(ctx, *ref.ID)
		if err != nil {
			return nil, fmt.Errorf("load customer %d: %w", *ref.ID, err)
		}
		if !existing.IsActive {
			return nil, fmt.Errorf("customer %d is inactive: %w", *ref.ID, domain.ErrCustomerNotFound)
		}
		return &Resolution{resolver: r, customer: existing, committed: true}, nil
	}

	if ref.Guest == nil {
		return nil, domain.ErrCustomerRequired
	}

	guest := ref.Guest.ToCustomer()
	if strings.TrimSpace(guest.FirstName) == "" {
		return nil, domain.ErrFirstNameRequired
	}

	return &Resolution{resolver: r, guest: &guest}, nil
}

// Commit возвращает клиента, создавая гостя не более одного раза.
func (r *Resolution) Commit(ctx context.Context) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.committed {
		return r.customer, nil
	}

	created, err := r.resolver.customers.Create(ctx, *r.guest)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("create guest customer: %w", err)
	}
	r.customer = created
	r.committed = true

	r.resolver.logger.WithField("customer_id", created.ID).Info("guest customer created")
	return created, nil
}

// Resolve проверяет ссылку и сразу фиксирует её, возвращая ID клиента.
func (r *Resolver) Resolve(ctx context.Context, ref domain.CustomerRef) (int64, error) {
	resolution, err := r.Prepare(ctx, ref)
	if err != nil {
		return 0, err
	}
	customer, err := resolution.Commit(ctx)
	if err != nil {
		return 0, err
	}
	return customer.ID, nil
}
