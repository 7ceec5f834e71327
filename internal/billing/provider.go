// Package billing is the client of the subscription and purchase provider.
package billing

import (
	"context"

	"github.com/digkill/TGDeckBot/internal/models"
)

// Provider is the purchase backend. Purchase returns
// models.ErrPurchaseCancelled when the user backs out and
// models.ErrAlreadyOwned when the product is a held subscription.
type Provider interface {
	CustomerInfo(ctx context.Context, userID string) (models.CustomerInfo, error)
	Product(ctx context.Context, productID string) (models.Product, error)
	Purchase(ctx context.Context, userID, productID string) (models.PurchaseReceipt, error)
}
