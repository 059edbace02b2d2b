package trade

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ProductStatus tracks the backend's projection of a listing through the
// trade lifecycle.
type ProductStatus string

const (
	StatusFinding    ProductStatus = "finding"
	StatusMatched    ProductStatus = "matched"
	StatusPending    ProductStatus = "pending"
	StatusProcessing ProductStatus = "processing"
	StatusShipping   ProductStatus = "shipping"
	StatusFinished   ProductStatus = "finished"
	StatusCancelled  ProductStatus = "cancelled"
)

// Valid reports whether the status value is one the backend may emit.
func (s ProductStatus) Valid() bool {
	switch s {
	case StatusFinding, StatusMatched, StatusPending, StatusProcessing,
		StatusShipping, StatusFinished, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further lifecycle action is legal.
func (s ProductStatus) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// Cancellable reports whether an on-chain cancel is legal from this status.
// Cancellation is only defined once an escrow key exists, i.e. from matched
// onwards, and never from a terminal state.
func (s ProductStatus) Cancellable() bool {
	switch s {
	case StatusMatched, StatusPending, StatusProcessing, StatusShipping:
		return true
	default:
		return false
	}
}

// ParseProductStatus normalises and validates a backend status string.
func ParseProductStatus(raw string) (ProductStatus, error) {
	s := ProductStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("trade: unknown product status %q", raw)
	}
	return s, nil
}

// OfferStatus is the backend's disposition of a single trade offer.
type OfferStatus string

const (
	OfferWaiting  OfferStatus = "waiting"
	OfferAccepted OfferStatus = "accepted"
	OfferRefused  OfferStatus = "refused"
)

// Valid reports whether the offer status value is supported.
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferWaiting, OfferAccepted, OfferRefused:
		return true
	default:
		return false
	}
}

// EscrowPhase is the contract's per-key settlement state. The contract, not
// the backend projection, is authoritative for settlement actions.
type EscrowPhase uint8

const (
	PhaseAwaitingDeposit  EscrowPhase = 0
	PhaseAwaitingShipment EscrowPhase = 1
	PhaseAwaitingReceipt  EscrowPhase = 2
)

func (p EscrowPhase) String() string {
	switch p {
	case PhaseAwaitingDeposit:
		return "awaiting_deposit"
	case PhaseAwaitingShipment:
		return "awaiting_shipment"
	case PhaseAwaitingReceipt:
		return "awaiting_receipt"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// UserRef identifies a backend user record.
type UserRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ImageRef points at a stored listing image.
type ImageRef struct {
	ID  int64  `json:"id"`
	URL string `json:"image_url"`
}

// Offer is a bid placed against a product listing. The backend owns the
// record; the coordinator only reads it.
type Offer struct {
	ID        int64       `json:"id"`
	ProductID int64       `json:"productId"`
	Bidder    UserRef     `json:"buyer"`
	Cost      uint64      `json:"cost"`
	Status    OfferStatus `json:"accepted"`
}

// Product is the read-through cached copy of a backend listing record. It is
// never the source of truth: the backend owns listing metadata and the
// contract owns settlement state.
type Product struct {
	ID          int64         `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Cost        uint64        `json:"cost"`
	Status      ProductStatus `json:"status"`
	Seller      UserRef       `json:"createdBy"`
	Buyer       *UserRef      `json:"buyer,omitempty"`
	Images      []ImageRef    `json:"images,omitempty"`
	Offers      []Offer       `json:"trade_offers,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// AcceptedOffer returns the single accepted offer, if any. The backend
// enforces at-most-one accepted offer per non-finding product; the
// coordinator treats that as an invariant when deciding legality.
func (p *Product) AcceptedOffer() *Offer {
	if p == nil {
		return nil
	}
	for i := range p.Offers {
		if p.Offers[i].Status == OfferAccepted {
			return &p.Offers[i]
		}
	}
	return nil
}

// WaitingOffers counts offers still open for acceptance.
func (p *Product) WaitingOffers() int {
	if p == nil {
		return 0
	}
	n := 0
	for i := range p.Offers {
		if p.Offers[i].Status == OfferWaiting {
			n++
		}
	}
	return n
}

// EscrowKey derives the contract key for a product. The contract keys escrow
// state by the numeric listing identifier.
func (p *Product) EscrowKey() *big.Int {
	if p == nil {
		return nil
	}
	return big.NewInt(p.ID)
}

// EscrowName is the registration label submitted with register_product.
func (p *Product) EscrowName() string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("escro_%d", p.ID)
}
