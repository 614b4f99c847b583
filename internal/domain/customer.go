package domain

import (
	"strings"
	"time"
)

// Customer — клиент магазина, заведённый заранее или созданный как гость при заказе.
type Customer struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// GuestCustomer — контактные данные клиента, переданные прямо в заказе.
type GuestCustomer struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
}

// CustomerRef ссылается на клиента заказа: либо по ID, либо данными гостя.
type CustomerRef struct {
	ID    *int64
	Guest *GuestCustomer
}

// ToCustomer строит активную запись клиента из данных гостя.
func (g GuestCustomer) ToCustomer() Customer {
	return Customer{
		FirstName: strings.TrimSpace(g.FirstName),
		LastName:  strings.TrimSpace(g.LastName),
		Email:     strings.TrimSpace(g.Email),
		Phone:     strings.TrimSpace(g.Phone),
		Address:   strings.TrimSpace(g.Address),
		IsActive:  true,
	}
}
