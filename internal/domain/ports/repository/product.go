package repository

import (
	"context"

	"subscription-commerce/internal/domain/model"
)

type ProductRepository interface {
	Save(ctx context.Context, tx Tx, p *model.Product) error
	FindByID(ctx context.Context, tx Tx, id int64) (*model.Product, error)
	// DecrementStock takes one unit guarded by stock>0. false means sold out.
	DecrementStock(ctx context.Context, tx Tx, id int64) (bool, error)
}
